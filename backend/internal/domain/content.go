package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crema/backend/internal/apperr"
)

type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeBool     ColumnType = "bool"
	TypeDateTime ColumnType = "datetime"
	TypeGUID     ColumnType = "guid"
)

type Column struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	IsKey         bool       `json:"isKey,omitempty"`
	Unique        bool       `json:"unique,omitempty"`
	AutoIncrement bool       `json:"autoIncrement,omitempty"`
	AllowNull     bool       `json:"allowNull,omitempty"`
}

type TableSchema struct {
	Name    string   `json:"name"`
	Comment string   `json:"comment,omitempty"`
	Columns []Column `json:"columns"`
}

// Validate 检查列定义本身：至少一个 key 列，列名不重复，自增列必须是 int
func (s TableSchema) Validate() error {
	if s.Name == "" {
		return apperr.New(apperr.KindValidation, "table name is empty")
	}
	seen := make(map[string]bool, len(s.Columns))
	keys := 0
	for _, c := range s.Columns {
		if c.Name == "" || seen[c.Name] {
			return apperr.New(apperr.KindValidation, "table %s: bad or duplicate column %q", s.Name, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeDateTime, TypeGUID:
		default:
			return apperr.New(apperr.KindValidation, "table %s: column %s has unknown type %q", s.Name, c.Name, c.Type)
		}
		if c.AutoIncrement && c.Type != TypeInt {
			return apperr.New(apperr.KindValidation, "table %s: auto-increment column %s must be int", s.Name, c.Name)
		}
		if c.IsKey {
			keys++
		}
	}
	if keys == 0 {
		return apperr.New(apperr.KindValidation, "table %s has no key column", s.Name)
	}
	return nil
}

func (s TableSchema) column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s TableSchema) keyColumns() []Column {
	var out []Column
	for _, c := range s.Columns {
		if c.IsKey {
			out = append(out, c)
		}
	}
	return out
}

// RowInfo 是行增删改的请求与返回形式。
// Keys 按 key 列顺序给出（SetRow/RemoveRow 用它定位行），Fields 是列名到值的映射
type RowInfo struct {
	TableName string         `json:"tableName"`
	Keys      []any          `json:"keys,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type PropertyInfo struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ContentData 是可序列化的物化状态，写入日志 header，也用于比较两次重放的结果
type ContentData struct {
	Tables     []TableData    `json:"tables"`
	Properties []PropertyInfo `json:"properties,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
}

type TableData struct {
	Schema TableSchema      `json:"schema"`
	Rows   []map[string]any `json:"rows"`
}

type table struct {
	schema TableSchema
	rows   []map[string]any
	index  map[string]int
}

// content 是 Domain 的物化状态，只在 dispatcher 里修改
type content struct {
	tables     map[string]*table
	names      []string
	properties map[string]ColumnType
	propNames  []string
	values     map[string]any
}

func newContent(data ContentData) (*content, error) {
	c := &content{
		tables:     make(map[string]*table),
		properties: make(map[string]ColumnType),
		values:     make(map[string]any),
	}
	for _, td := range data.Tables {
		if err := td.Schema.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.tables[td.Schema.Name]; ok {
			return nil, apperr.New(apperr.KindValidation, "duplicate table %s", td.Schema.Name)
		}
		t := &table{schema: td.Schema, index: make(map[string]int)}
		for _, r := range td.Rows {
			row, err := t.coerceRow(r, false)
			if err != nil {
				return nil, err
			}
			if err := t.insert(row); err != nil {
				return nil, err
			}
		}
		c.tables[td.Schema.Name] = t
		c.names = append(c.names, td.Schema.Name)
	}
	for _, p := range data.Properties {
		c.properties[p.Name] = p.Type
		c.propNames = append(c.propNames, p.Name)
	}
	for name, v := range data.Values {
		typ, ok := c.properties[name]
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "value for undeclared property %s", name)
		}
		cv, err := coerce(typ, v)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, "property %s: %v", name, err)
		}
		c.values[name] = cv
	}
	return c, nil
}

func (c *content) data() ContentData {
	out := ContentData{Values: make(map[string]any, len(c.values))}
	for _, name := range c.names {
		t := c.tables[name]
		td := TableData{Schema: t.schema, Rows: make([]map[string]any, 0, len(t.rows))}
		for _, r := range t.rows {
			td.Rows = append(td.Rows, cloneRow(r))
		}
		out.Tables = append(out.Tables, td)
	}
	for _, name := range c.propNames {
		out.Properties = append(out.Properties, PropertyInfo{Name: name, Type: c.properties[name]})
	}
	for k, v := range c.values {
		out.Values[k] = v
	}
	return out
}

func (c *content) table(name string) (*table, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "unknown table %q", name)
	}
	return t, nil
}

// 以下 prepare* 只在副本上计算，返回的 commit 才真正替换状态；失败时状态不变

// prepare* 的第三个返回值是写入日志的规范形式：全部是转换后的值，重放时得到同样的行

func (c *content) prepareNewRows(rows []RowInfo) (func(), []RowInfo, []RowInfo, error) {
	if len(rows) == 0 {
		return nil, nil, nil, apperr.New(apperr.KindValidation, "no rows")
	}
	work := make(map[string]*table)
	result := make([]RowInfo, 0, len(rows))
	logged := make([]RowInfo, 0, len(rows))
	for _, ri := range rows {
		t, err := c.working(work, ri.TableName)
		if err != nil {
			return nil, nil, nil, err
		}
		row, err := t.coerceRow(ri.Fields, true)
		if err != nil {
			return nil, nil, nil, err
		}
		for k, v := range keyFields(t.schema, ri.Keys) {
			if _, set := row[k]; !set || row[k] == nil {
				cv, err := coerce(mustColumn(t.schema, k).Type, v)
				if err != nil {
					return nil, nil, nil, apperr.New(apperr.KindValidation, "table %s key %s: %v", t.schema.Name, k, err)
				}
				row[k] = cv
			}
		}
		t.generate(row)
		if err := t.checkRequired(row); err != nil {
			return nil, nil, nil, err
		}
		if err := t.insert(row); err != nil {
			return nil, nil, nil, err
		}
		result = append(result, t.rowInfo(row))
		logged = append(logged, RowInfo{TableName: t.schema.Name, Fields: cloneRow(row)})
	}
	return c.commitFunc(work), result, logged, nil
}

func (c *content) prepareSetRows(rows []RowInfo) (func(), []RowInfo, []RowInfo, error) {
	if len(rows) == 0 {
		return nil, nil, nil, apperr.New(apperr.KindValidation, "no rows")
	}
	work := make(map[string]*table)
	result := make([]RowInfo, 0, len(rows))
	logged := make([]RowInfo, 0, len(rows))
	for _, ri := range rows {
		t, err := c.working(work, ri.TableName)
		if err != nil {
			return nil, nil, nil, err
		}
		i, err := t.find(ri.Keys)
		if err != nil {
			return nil, nil, nil, err
		}
		row := cloneRow(t.rows[i])
		changed := make(map[string]any, len(ri.Fields))
		for name, v := range ri.Fields {
			col, ok := t.schema.column(name)
			if !ok {
				return nil, nil, nil, apperr.New(apperr.KindValidation, "table %s has no column %q", t.schema.Name, name)
			}
			if col.IsKey {
				return nil, nil, nil, apperr.New(apperr.KindValidation, "table %s: key column %s cannot be changed", t.schema.Name, name)
			}
			cv, err := coerce(col.Type, v)
			if err != nil {
				return nil, nil, nil, apperr.New(apperr.KindValidation, "table %s column %s: %v", t.schema.Name, name, err)
			}
			row[name] = cv
			changed[name] = cv
		}
		if err := t.checkRequired(row); err != nil {
			return nil, nil, nil, err
		}
		if err := t.replace(i, row); err != nil {
			return nil, nil, nil, err
		}
		ri := t.rowInfo(row)
		result = append(result, ri)
		logged = append(logged, RowInfo{TableName: t.schema.Name, Keys: ri.Keys, Fields: changed})
	}
	return c.commitFunc(work), result, logged, nil
}

func (c *content) prepareRemoveRows(rows []RowInfo) (func(), []RowInfo, []RowInfo, error) {
	if len(rows) == 0 {
		return nil, nil, nil, apperr.New(apperr.KindValidation, "no rows")
	}
	work := make(map[string]*table)
	result := make([]RowInfo, 0, len(rows))
	logged := make([]RowInfo, 0, len(rows))
	for _, ri := range rows {
		t, err := c.working(work, ri.TableName)
		if err != nil {
			return nil, nil, nil, err
		}
		i, err := t.find(ri.Keys)
		if err != nil {
			return nil, nil, nil, err
		}
		ri := t.rowInfo(t.rows[i])
		result = append(result, ri)
		logged = append(logged, RowInfo{TableName: t.schema.Name, Keys: ri.Keys})
		t.remove(i)
	}
	return c.commitFunc(work), result, logged, nil
}

func (c *content) prepareSetProperty(name string, value any) (func(), any, error) {
	typ, ok := c.properties[name]
	if !ok {
		return nil, nil, apperr.New(apperr.KindValidation, "unknown property %q", name)
	}
	cv, err := coerce(typ, value)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindValidation, "property %s: %v", name, err)
	}
	return func() { c.values[name] = cv }, cv, nil
}

func (c *content) working(work map[string]*table, name string) (*table, error) {
	if t, ok := work[name]; ok {
		return t, nil
	}
	t, err := c.table(name)
	if err != nil {
		return nil, err
	}
	cp := t.clone()
	work[name] = cp
	return cp, nil
}

func (c *content) commitFunc(work map[string]*table) func() {
	return func() {
		for name, t := range work {
			c.tables[name] = t
		}
	}
}

func (t *table) clone() *table {
	cp := &table{schema: t.schema, rows: make([]map[string]any, len(t.rows)), index: make(map[string]int, len(t.index))}
	for i, r := range t.rows {
		cp.rows[i] = r
	}
	for k, v := range t.index {
		cp.index[k] = v
	}
	return cp
}

// coerceRow 把外部传入的值（可能来自 JSON）转换成列类型
func (t *table) coerceRow(fields map[string]any, allowMissing bool) (map[string]any, error) {
	row := make(map[string]any, len(t.schema.Columns))
	for name, v := range fields {
		col, ok := t.schema.column(name)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "table %s has no column %q", t.schema.Name, name)
		}
		cv, err := coerce(col.Type, v)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, "table %s column %s: %v", t.schema.Name, name, err)
		}
		row[name] = cv
	}
	if !allowMissing {
		if err := t.checkRequired(row); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (t *table) generate(row map[string]any) {
	for _, col := range t.schema.Columns {
		if !col.AutoIncrement || row[col.Name] != nil {
			continue
		}
		var max int64
		for _, r := range t.rows {
			if v, ok := r[col.Name].(int64); ok && v > max {
				max = v
			}
		}
		row[col.Name] = max + 1
	}
}

func (t *table) checkRequired(row map[string]any) error {
	for _, col := range t.schema.Columns {
		if row[col.Name] == nil && (col.IsKey || !col.AllowNull) {
			return apperr.New(apperr.KindValidation, "table %s: column %s requires a value", t.schema.Name, col.Name)
		}
	}
	return nil
}

func (t *table) keyOf(row map[string]any) string {
	var parts []string
	for _, col := range t.schema.keyColumns() {
		parts = append(parts, formatValue(row[col.Name]))
	}
	return strings.Join(parts, "\x1f")
}

func (t *table) find(keys []any) (int, error) {
	kc := t.schema.keyColumns()
	if len(keys) != len(kc) {
		return -1, apperr.New(apperr.KindValidation, "table %s expects %d key values, got %d", t.schema.Name, len(kc), len(keys))
	}
	probe := make(map[string]any, len(kc))
	for i, col := range kc {
		cv, err := coerce(col.Type, keys[i])
		if err != nil {
			return -1, apperr.New(apperr.KindValidation, "table %s key %s: %v", t.schema.Name, col.Name, err)
		}
		probe[col.Name] = cv
	}
	i, ok := t.index[t.keyOf(probe)]
	if !ok {
		return -1, apperr.New(apperr.KindValidation, "table %s has no row %v", t.schema.Name, keys)
	}
	return i, nil
}

func (t *table) insert(row map[string]any) error {
	k := t.keyOf(row)
	if _, dup := t.index[k]; dup {
		return apperr.New(apperr.KindValidation, "table %s: duplicate key %s", t.schema.Name, strings.ReplaceAll(k, "\x1f", ","))
	}
	if err := t.checkUnique(row, -1); err != nil {
		return err
	}
	t.rows = append(t.rows, row)
	t.index[k] = len(t.rows) - 1
	return nil
}

func (t *table) replace(i int, row map[string]any) error {
	if err := t.checkUnique(row, i); err != nil {
		return err
	}
	t.rows[i] = row
	return nil
}

func (t *table) remove(i int) {
	t.rows = slices.Delete(t.rows, i, i+1)
	t.index = make(map[string]int, len(t.rows))
	for j, r := range t.rows {
		t.index[t.keyOf(r)] = j
	}
}

func (t *table) checkUnique(row map[string]any, skip int) error {
	for _, col := range t.schema.Columns {
		if !col.Unique || row[col.Name] == nil {
			continue
		}
		for j, r := range t.rows {
			if j != skip && r[col.Name] == row[col.Name] {
				return apperr.New(apperr.KindValidation, "table %s: value %v violates unique column %s", t.schema.Name, row[col.Name], col.Name)
			}
		}
	}
	return nil
}

func (t *table) rowInfo(row map[string]any) RowInfo {
	ri := RowInfo{TableName: t.schema.Name, Fields: cloneRow(row)}
	for _, col := range t.schema.keyColumns() {
		ri.Keys = append(ri.Keys, row[col.Name])
	}
	return ri
}

func keyFields(s TableSchema, keys []any) map[string]any {
	out := make(map[string]any)
	for i, col := range s.keyColumns() {
		if i < len(keys) && keys[i] != nil {
			out[col.Name] = keys[i]
		}
	}
	return out
}

func mustColumn(s TableSchema, name string) Column {
	c, _ := s.column(name)
	return c
}

func cloneRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// coerce 接受 Go 原生值以及 JSON 解码后的值（float64、json.Number、string）
func coerce(typ ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeString:
		if s, ok := v.(string); ok {
			// 非法 UTF-8 在 JSON 编码时会被替换成 U+FFFD，重放得到的就不是同一个值
			if !utf8.ValidString(s) {
				return nil, fmt.Errorf("value %q is not valid UTF-8", s)
			}
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		case float64:
			// [-2^63, 2^63) 之外的值转换成 int64 结果未定义
			if n == math.Trunc(n) && n >= -(1<<63) && n < 1<<63 {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			if !math.IsNaN(n) && !math.IsInf(n, 0) {
				return n, nil
			}
		case float32:
			if f := float64(n); !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
				return f, nil
			}
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDateTime:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Round(0), nil
		case string:
			if at, err := time.Parse(time.RFC3339Nano, d); err == nil {
				return at.UTC(), nil
			}
		}
	case TypeGUID:
		switch g := v.(type) {
		case uuid.UUID:
			return g.String(), nil
		case string:
			if id, err := uuid.Parse(g); err == nil {
				return id.String(), nil
			}
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, typ)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
