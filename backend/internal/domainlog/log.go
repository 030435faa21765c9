package domainlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"crema/backend/internal/apperr"
)

const (
	headerFile    = "header.json"
	postedFile    = "posted"
	completedFile = "completed"
	actionsDir    = "actions"
)

// Entry 是一条已完成的操作：posted 行、completed 行与其载荷
type Entry struct {
	Post       PostItem
	Completion CompletionItem
	Payload    []byte

	postLen, compLen int64
}

// Log 是单个 Domain 的追加式日志。
// - 整个生命周期只有一个写者（Domain 的 dispatcher）
// - Replay 可与写者并发，只读取调用时已经落盘的前缀
type Log struct {
	dir string

	mu        sync.Mutex
	posted    *os.File
	completed *os.File
	// 已落盘（fsync 之后）的文件长度，Replay 以此为读取上界
	postedSize    int64
	completedSize int64
	nextID        uint64
	pending       *PostItem
	// 非 nil 时日志拒绝写入，需要管理员修复
	fault  error
	closed bool
}

// Create 新建日志目录并写入 header；目录已存在时失败
func Create(dir string, header []byte) (*Log, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, apperr.New(apperr.KindAlreadyExists, "domain log %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, actionsDir), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", dir)
	}
	if err := writeFileSync(filepath.Join(dir, headerFile), header); err != nil {
		return nil, err
	}
	for _, name := range []string{postedFile, completedFile} {
		if err := writeFileSync(filepath.Join(dir, name), nil); err != nil {
			return nil, err
		}
	}
	if err := syncDir(dir); err != nil {
		return nil, err
	}
	return Open(dir)
}

// Open 打开已有日志并修复尾部：
// - 末尾没有换行的半行是写入途中崩溃留下的，直接截掉
// - 只有 posted 没有 completed 的最后一条从未被确认，一并回滚
// 中间出现的坏行不会被修复，日志进入 fault 状态，Replay 在坏行处停止
func Open(dir string) (*Log, error) {
	posted, err := os.OpenFile(filepath.Join(dir, postedFile), os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open posted log %s", dir)
	}
	completed, err := os.OpenFile(filepath.Join(dir, completedFile), os.O_RDWR, 0o644)
	if err != nil {
		posted.Close()
		return nil, errors.Wrapf(err, "open completed log %s", dir)
	}
	l := &Log{dir: dir, posted: posted, completed: completed}
	if err := l.recover(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	pLines, pSize, err := readLines(l.posted)
	if err != nil {
		return err
	}
	cLines, cSize, err := readLines(l.completed)
	if err != nil {
		return err
	}

	var good uint64
	for i, line := range cLines {
		want := uint64(i + 1)
		c, perr := ParseCompletionItem(line)
		if perr == nil && c.ID != want {
			perr = apperr.New(apperr.KindCorruptLogEntry, "completed id %d out of order, want %d", c.ID, want)
		}
		if perr != nil {
			l.fault = perr
			break
		}
		if i >= len(pLines) {
			l.fault = apperr.New(apperr.KindCorruptLogEntry, "completion %d has no posted item", want)
			break
		}
		p, perr := ParsePostItem(pLines[i])
		if perr == nil && p.ID != want {
			perr = apperr.New(apperr.KindCorruptLogEntry, "posted id %d out of order, want %d", p.ID, want)
		}
		if perr != nil {
			l.fault = perr
			break
		}
		good = want
	}

	if l.fault == nil && uint64(len(pLines)) > good {
		if uint64(len(pLines)) > good+1 {
			l.fault = apperr.New(apperr.KindCorruptLogEntry, "%d posted items without completion", uint64(len(pLines))-good)
		} else {
			glog.Warningf("domainlog %s: rolling back unacknowledged item %d", l.dir, good+1)
			pSize = offsetOfLine(pLines, int(good))
			_ = os.Remove(l.payloadPath(good + 1))
		}
	}

	if l.fault != nil {
		glog.Errorf("domainlog %s: %v (last good entry %d)", l.dir, l.fault, good)
	}
	if err := truncateTo(l.posted, pSize); err != nil {
		return err
	}
	if err := truncateTo(l.completed, cSize); err != nil {
		return err
	}
	l.postedSize = pSize
	l.completedSize = cSize
	l.nextID = good + 1
	return nil
}

func (l *Log) Dir() string { return l.dir }

// NextID 是下一条 Post 将获得的序号
func (l *Log) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

func (l *Log) Fault() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

func (l *Log) Header() ([]byte, error) {
	return ReadHeader(l.dir)
}

// Post 先写载荷再追加 posted 行，两者 fsync 之后才返回
func (l *Log) Post(userID string, at time.Time, typ string, payload []byte) (PostItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return PostItem{}, err
	}
	if l.pending != nil {
		return PostItem{}, apperr.New(apperr.KindInternal, "item %d is still pending completion", l.pending.ID)
	}
	item := PostItem{ID: l.nextID, UserID: userID, DateTime: at.UTC().Round(0), Type: typ}
	if err := item.Validate(); err != nil {
		return PostItem{}, err
	}
	if err := writeFileSync(l.payloadPath(item.ID), payload); err != nil {
		return PostItem{}, l.failLocked(err)
	}
	if err := syncDir(filepath.Join(l.dir, actionsDir)); err != nil {
		return PostItem{}, l.failLocked(err)
	}
	n, err := appendLine(l.posted, item.Serialize())
	if err != nil {
		return PostItem{}, l.failLocked(err)
	}
	l.postedSize += n
	l.pending = &item
	return item, nil
}

// Complete 标记 pending 的 PostItem 已应用；之后序号才前进
func (l *Log) Complete(item PostItem, at time.Time) (CompletionItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return CompletionItem{}, err
	}
	if l.pending == nil || l.pending.ID != item.ID {
		return CompletionItem{}, apperr.New(apperr.KindInternal, "item %d is not pending", item.ID)
	}
	c := CompletionItem{ID: item.ID, UserID: item.UserID, DateTime: at.UTC().Round(0), Type: item.Type}
	n, err := appendLine(l.completed, c.Serialize())
	if err != nil {
		return CompletionItem{}, l.failLocked(err)
	}
	l.completedSize += n
	l.pending = nil
	l.nextID++
	return c, nil
}

func (l *Log) writable() error {
	if l.closed {
		return apperr.New(apperr.KindDomainDeleted, "log %s is closed", l.dir)
	}
	if l.fault != nil {
		return apperr.New(apperr.KindDomainFaulted, "log %s: %v", l.dir, l.fault)
	}
	return nil
}

func (l *Log) failLocked(err error) error {
	l.fault = err
	glog.Errorf("domainlog %s: write failed, log is now faulted: %v", l.dir, err)
	return apperr.New(apperr.KindDomainFaulted, "log write failed: %v", err)
}

// Replay 返回一个惰性、可重复迭代的序列，上界是调用时已落盘的长度
func (l *Log) Replay() iter.Seq2[Entry, error] {
	l.mu.Lock()
	pSize, cSize := l.postedSize, l.completedSize
	l.mu.Unlock()
	return replay(l.dir, pSize, cSize)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var first error
	for _, f := range []*os.File{l.posted, l.completed} {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *Log) payloadPath(id uint64) string {
	return payloadPath(l.dir, id)
}

func payloadPath(dir string, id uint64) string {
	return filepath.Join(dir, actionsDir, strconv.FormatUint(id, 10)+".json")
}

// ReplayDir 不经过写者直接读取目录，用于离线校验
func ReplayDir(dir string) iter.Seq2[Entry, error] {
	return replay(dir, -1, -1)
}

func ReadHeader(dir string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, headerFile))
	if err != nil {
		return nil, errors.Wrapf(err, "read header %s", dir)
	}
	return b, nil
}

func replay(dir string, pSize, cSize int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		pf, err := os.Open(filepath.Join(dir, postedFile))
		if err != nil {
			yield(Entry{}, errors.Wrapf(err, "open posted log %s", dir))
			return
		}
		defer pf.Close()
		cf, err := os.Open(filepath.Join(dir, completedFile))
		if err != nil {
			yield(Entry{}, errors.Wrapf(err, "open completed log %s", dir))
			return
		}
		defer cf.Close()

		pr := bufio.NewReader(limit(pf, pSize))
		cr := bufio.NewReader(limit(cf, cSize))
		for id := uint64(1); ; id++ {
			cLine, cerr := cr.ReadString('\n')
			if cerr != nil {
				// 没有更多完整的 completed 行，剩下的 posted 都未确认
				if cerr != io.EOF {
					yield(Entry{}, errors.Wrapf(cerr, "read completed log %s", dir))
				}
				return
			}
			pLine, perr := pr.ReadString('\n')
			if perr != nil {
				yield(Entry{}, apperr.New(apperr.KindCorruptLogEntry, "completion %d has no posted item", id))
				return
			}
			c, err := ParseCompletionItem(cLine)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			p, err := ParsePostItem(pLine)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if p.ID != id || c.ID != id {
				yield(Entry{}, apperr.New(apperr.KindCorruptLogEntry, "sequence gap at %d (posted %d, completed %d)", id, p.ID, c.ID))
				return
			}
			payload, err := os.ReadFile(payloadPath(dir, id))
			if err != nil {
				yield(Entry{}, apperr.New(apperr.KindCorruptLogEntry, "missing payload for %d: %v", id, err))
				return
			}
			if !yield(Entry{Post: p, Completion: c, Payload: payload, postLen: int64(len(pLine)), compLen: int64(len(cLine))}, nil) {
				return
			}
		}
	}
}

func limit(f *os.File, n int64) io.Reader {
	if n < 0 {
		return f
	}
	return io.LimitReader(f, n)
}

// readLines 返回所有完整行（不含换行）和它们占用的字节数；末尾的半行不计入
func readLines(f *os.File) ([]string, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrapf(err, "seek %s", f.Name())
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read %s", f.Name())
	}
	var lines []string
	var size int64
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			glog.Warningf("domainlog: dropping partial line in %s", f.Name())
			break
		}
		lines = append(lines, string(b[:i]))
		size += int64(i + 1)
		b = b[i+1:]
	}
	return lines, size, nil
}

func offsetOfLine(lines []string, n int) int64 {
	var off int64
	for i := 0; i < n && i < len(lines); i++ {
		off += int64(len(lines[i]) + 1)
	}
	return off
}

func truncateTo(f *os.File, size int64) error {
	st, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", f.Name())
	}
	if st.Size() != size {
		if err := f.Truncate(size); err != nil {
			return errors.Wrapf(err, "truncate %s", f.Name())
		}
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", f.Name())
		}
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek %s", f.Name())
	}
	return nil
}

func appendLine(f *os.File, line string) (int64, error) {
	n, err := f.WriteString(line + "\n")
	if err != nil {
		return 0, errors.Wrapf(err, "append %s", f.Name())
	}
	if err := f.Sync(); err != nil {
		return 0, errors.Wrapf(err, "sync %s", f.Name())
	}
	return int64(n), nil
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync dir %s", dir)
	}
	return nil
}

func (e Entry) String() string {
	return fmt.Sprintf("%d %s %s %s", e.Post.ID, e.Post.UserID, e.Post.DateTime.Format(time.RFC3339), e.Post.Type)
}
