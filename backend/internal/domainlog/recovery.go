package domainlog

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// Report 描述一次离线校验的结果；Err 非 nil 表示 LastGoodID 之后的数据不可用
type Report struct {
	Dir        string
	Entries    int
	LastGoodID uint64
	Err        error
}

func Verify(dir string) Report {
	r := Report{Dir: dir}
	for e, err := range ReplayDir(dir) {
		if err != nil {
			r.Err = err
			break
		}
		r.Entries++
		r.LastGoodID = e.Post.ID
	}
	return r
}

// TruncateCorrupt 把日志截断到最后一条完好的记录，并删除之后的载荷文件。
// 这是有损操作，只在管理员确认后执行
func TruncateCorrupt(dir string) (Report, error) {
	r := Verify(dir)
	var pSize, cSize int64
	for e, err := range ReplayDir(dir) {
		if err != nil {
			break
		}
		pSize += e.postLen
		cSize += e.compLen
	}
	for name, size := range map[string]int64{postedFile: pSize, completedFile: cSize} {
		if err := os.Truncate(filepath.Join(dir, name), size); err != nil {
			return r, errors.Wrapf(err, "truncate %s", name)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, actionsDir))
	if err != nil {
		return r, errors.Wrapf(err, "list payloads %s", dir)
	}
	for _, ent := range entries {
		id, err := strconv.ParseUint(strings.TrimSuffix(ent.Name(), ".json"), 10, 64)
		if err != nil || id > r.LastGoodID {
			if err := os.Remove(filepath.Join(dir, actionsDir, ent.Name())); err != nil {
				return r, errors.Wrapf(err, "remove payload %s", ent.Name())
			}
		}
	}
	glog.Infof("domainlog %s: truncated to entry %d", dir, r.LastGoodID)
	r.Err = nil
	return r, nil
}
