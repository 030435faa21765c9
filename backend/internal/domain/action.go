package domain

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
)

type ActionType string

const (
	ActionNewRow        ActionType = "NewRow"
	ActionSetRow        ActionType = "SetRow"
	ActionRemoveRow     ActionType = "RemoveRow"
	ActionSetProperty   ActionType = "SetProperty"
	ActionEnter         ActionType = "Enter"
	ActionLeave         ActionType = "Leave"
	ActionKick          ActionType = "Kick"
	ActionSetOwner      ActionType = "SetOwner"
	ActionBeginUserEdit ActionType = "BeginUserEdit"
	ActionEndUserEdit   ActionType = "EndUserEdit"
)

// Action 是写入 actions/<id>.json 的载荷，重放时按同样的路径重新应用
type Action struct {
	Type       ActionType     `json:"type"`
	UserID     string         `json:"userId"`
	UserName   string         `json:"userName,omitempty"`
	Authority  auth.Authority `json:"authority"`
	AcceptTime time.Time      `json:"acceptTime"`

	Rows         []RowInfo  `json:"rows,omitempty"`
	PropertyName string     `json:"propertyName,omitempty"`
	Value        any        `json:"value,omitempty"`
	Access       AccessType `json:"access,omitempty"`
	TargetID     string     `json:"targetId,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	Location     *Location  `json:"location,omitempty"`
}

func newAction(typ ActionType, a auth.Authentication, now time.Time) *Action {
	return &Action{
		Type:       typ,
		UserID:     a.UserID,
		UserName:   a.UserName,
		Authority:  a.Authority,
		AcceptTime: now.UTC().Round(0),
	}
}

// DecodeAction 用 UseNumber 解码，整数列不会因为 float64 丢精度
func DecodeAction(b []byte) (*Action, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var a Action
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// checkText 拒绝含非法 UTF-8 的标识与文本；这些字段原样写入日志，
// 不同的坏字节编码后会变成同一个 U+FFFD，重放时可能撞上已有参与者或锁
func (a *Action) checkText() error {
	fields := []struct{ name, v string }{
		{"userId", a.UserID},
		{"userName", a.UserName},
		{"propertyName", a.PropertyName},
		{"targetId", a.TargetID},
		{"comment", a.Comment},
	}
	if a.Location != nil {
		fields = append(fields,
			struct{ name, v string }{"location.tableName", a.Location.TableName},
			struct{ name, v string }{"location.rowKey", a.Location.RowKey},
			struct{ name, v string }{"location.columnName", a.Location.ColumnName},
		)
	}
	for _, f := range fields {
		if !utf8.ValidString(f.v) {
			return apperr.New(apperr.KindValidation, "%s %q is not valid UTF-8", f.name, f.v)
		}
	}
	for _, r := range a.Rows {
		if !utf8.ValidString(r.TableName) {
			return apperr.New(apperr.KindValidation, "table name %q is not valid UTF-8", r.TableName)
		}
		for name := range r.Fields {
			if !utf8.ValidString(name) {
				return apperr.New(apperr.KindValidation, "column name %q is not valid UTF-8", name)
			}
		}
	}
	return nil
}
