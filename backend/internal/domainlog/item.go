package domainlog

import (
	"strconv"
	"strings"
	"time"

	"crema/backend/internal/apperr"
)

// 日志行格式：<id>\t<user>\t<RFC3339Nano UTC>\t<type>
const fieldCount = 4

// PostItem 是一条已提交（posted）的操作记录
type PostItem struct {
	ID       uint64
	UserID   string
	DateTime time.Time
	Type     string
}

// CompletionItem 记录 PostItem 已被成功应用；格式与 PostItem 相同
type CompletionItem struct {
	ID       uint64
	UserID   string
	DateTime time.Time
	Type     string
}

func (x PostItem) Serialize() string {
	return serializeLine(x.ID, x.UserID, x.DateTime, x.Type)
}

func (x PostItem) Validate() error {
	return validateFields(x.ID, x.UserID, x.Type)
}

func ParsePostItem(line string) (PostItem, error) {
	id, user, at, typ, err := parseLine(line)
	if err != nil {
		return PostItem{}, err
	}
	return PostItem{ID: id, UserID: user, DateTime: at, Type: typ}, nil
}

func (x CompletionItem) Serialize() string {
	return serializeLine(x.ID, x.UserID, x.DateTime, x.Type)
}

func (x CompletionItem) Validate() error {
	return validateFields(x.ID, x.UserID, x.Type)
}

// ParseCompletionItem 与 Serialize 逐字段对称，时间戳取第三列
func ParseCompletionItem(line string) (CompletionItem, error) {
	id, user, at, typ, err := parseLine(line)
	if err != nil {
		return CompletionItem{}, err
	}
	return CompletionItem{ID: id, UserID: user, DateTime: at, Type: typ}, nil
}

func serializeLine(id uint64, user string, at time.Time, typ string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(id, 10))
	b.WriteByte('\t')
	b.WriteString(user)
	b.WriteByte('\t')
	b.WriteString(at.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\t')
	b.WriteString(typ)
	return b.String()
}

func parseLine(line string) (uint64, string, time.Time, string, error) {
	items := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	if len(items) != fieldCount {
		return 0, "", time.Time{}, "", apperr.New(apperr.KindCorruptLogEntry, "expected %d fields, got %d: %q", fieldCount, len(items), line)
	}
	id, err := strconv.ParseUint(items[0], 10, 64)
	if err != nil || id == 0 {
		return 0, "", time.Time{}, "", apperr.New(apperr.KindCorruptLogEntry, "bad sequence id %q", items[0])
	}
	if items[1] == "" {
		return 0, "", time.Time{}, "", apperr.New(apperr.KindCorruptLogEntry, "empty user id at %d", id)
	}
	at, err := time.Parse(time.RFC3339Nano, items[2])
	if err != nil {
		return 0, "", time.Time{}, "", apperr.New(apperr.KindCorruptLogEntry, "bad timestamp %q at %d", items[2], id)
	}
	if items[3] == "" {
		return 0, "", time.Time{}, "", apperr.New(apperr.KindCorruptLogEntry, "empty operation type at %d", id)
	}
	return id, items[1], at.UTC(), items[3], nil
}

func validateFields(id uint64, user, typ string) error {
	if id == 0 {
		return apperr.New(apperr.KindInvalidArgument, "sequence id must be positive")
	}
	if user == "" || strings.ContainsAny(user, "\t\r\n") {
		return apperr.New(apperr.KindInvalidArgument, "user id %q is not loggable", user)
	}
	if typ == "" || strings.ContainsAny(typ, "\t\r\n") {
		return apperr.New(apperr.KindInvalidArgument, "operation type %q is not loggable", typ)
	}
	return nil
}
