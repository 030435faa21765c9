package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"crema/backend/config"
	"crema/backend/internal/domainlog"
)

const RecoverVersion = "0.1.0"

func main() {
	usage := `Crema domain log recovery.

Faulted domains refuse writes until their log is repaired. Stop the server
(or unload the data-base) before truncating.

Usage:
    crema_recover list [--base=<dir>] <database_id>
    crema_recover verify [--base=<dir>] <database_id> [<domain_id>]
    crema_recover history [--base=<dir>] [--from=<id>] <database_id> <domain_id>
    crema_recover truncate [--base=<dir>] --yes <database_id> <domain_id>

Options:
    -h --help        Show this screen.
    --version        Show version.
    --base=<dir>     Domain log root, defaults to domain.basePath of cremaConfig.
    --from=<id>      Only show entries after this id [default: 0].
    --yes            Confirm the lossy truncation.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RecoverVersion)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// glog 默认写文件，命令行工具改成只写 stderr
	_ = flag.Set("logtostderr", "true")

	store, err := openStore(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	dbID, _ := opts.String("<database_id>")
	domainID, _ := opts.String("<domain_id>")

	code := 0
	if list_, _ := opts.Bool("list"); list_ {
		code = list(store, dbID)
	} else if verify_, _ := opts.Bool("verify"); verify_ {
		code = verify(store, dbID, domainID)
	} else if history_, _ := opts.Bool("history"); history_ {
		fromStr, _ := opts.String("--from")
		from, err := strconv.ParseUint(fromStr, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --from %q\n", fromStr)
			os.Exit(2)
		}
		code = history(store, dbID, domainID, from)
	} else if truncate_, _ := opts.Bool("truncate"); truncate_ {
		code = truncate(store, dbID, domainID)
	}
	glog.Flush()
	os.Exit(code)
}

func openStore(opts docopt.Opts) (*domainlog.Store, error) {
	base, _ := opts.String("--base")
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		base = cfg.Domain.BasePath
	}
	return domainlog.NewStore(base)
}

func list(store *domainlog.Store, dbID string) int {
	ids, err := store.List(dbID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, id := range ids {
		header, err := domainlog.ReadHeader(store.Dir(dbID, id))
		if err != nil {
			fmt.Printf("%s\t<unreadable header: %v>\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\n", id, header)
	}
	return 0
}

func verify(store *domainlog.Store, dbID, domainID string) int {
	ids := []string{domainID}
	if domainID == "" {
		var err error
		if ids, err = store.List(dbID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	code := 0
	for _, id := range ids {
		r := domainlog.Verify(store.Dir(dbID, id))
		if r.Err != nil {
			code = 1
			fmt.Printf("%s\tCORRUPT after entry %d (%d good entries): %v\n", id, r.LastGoodID, r.Entries, r.Err)
			continue
		}
		fmt.Printf("%s\tok, %d entries\n", id, r.Entries)
	}
	return code
}

func history(store *domainlog.Store, dbID, domainID string, from uint64) int {
	for e, err := range domainlog.ReplayDir(store.Dir(dbID, domainID)) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if e.Post.ID <= from {
			continue
		}
		fmt.Println(e.String())
	}
	return 0
}

func truncate(store *domainlog.Store, dbID, domainID string) int {
	r, err := domainlog.TruncateCorrupt(store.Dir(dbID, domainID))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("%s\ttruncated to entry %d (%d entries kept)\n", domainID, r.LastGoodID, r.Entries)
	return 0
}
