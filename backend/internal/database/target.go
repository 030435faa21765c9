package database

import (
	"context"
	"strings"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
)

const (
	tablesPrefix    = "/tables/"
	templatesPrefix = "/templates/"
	typesPrefix     = "/types/"
)

// Target 是 BeginEdit 的编辑对象：某张表的内容、某张表的结构或某个类型
type Target struct {
	Kind domain.Kind `json:"kind"`
	Name string      `json:"name"`
}

func (t Target) ItemPath() (string, error) {
	if t.Name == "" || strings.ContainsAny(t.Name, "/\t\n") {
		return "", apperr.New(apperr.KindInvalidArgument, "bad item name %q", t.Name)
	}
	switch t.Kind {
	case domain.KindTableContent:
		return tablesPrefix + t.Name, nil
	case domain.KindTableTemplate:
		return templatesPrefix + t.Name, nil
	case domain.KindTypeTemplate:
		return typesPrefix + t.Name, nil
	}
	return "", apperr.New(apperr.KindInvalidArgument, "unknown item kind %q", t.Kind)
}

func (t Target) requiredAuthority() auth.Authority {
	if t.Kind == domain.KindTableContent {
		return auth.Member
	}
	return auth.Master
}

func targetOf(info domain.Info) Target {
	path := info.ItemPath
	for _, p := range []string{tablesPrefix, templatesPrefix, typesPrefix} {
		path = strings.TrimPrefix(path, p)
	}
	return Target{Kind: info.ItemType, Name: path}
}

var columnsSchema = domain.TableSchema{Name: "Columns", Columns: []domain.Column{
	{Name: "name", Type: domain.TypeString, IsKey: true},
	{Name: "type", Type: domain.TypeString},
	{Name: "isKey", Type: domain.TypeBool, AllowNull: true},
	{Name: "unique", Type: domain.TypeBool, AllowNull: true},
	{Name: "autoIncrement", Type: domain.TypeBool, AllowNull: true},
	{Name: "allowNull", Type: domain.TypeBool, AllowNull: true},
}}

var membersSchema = domain.TableSchema{Name: "Members", Columns: []domain.Column{
	{Name: "name", Type: domain.TypeString, IsKey: true},
	{Name: "value", Type: domain.TypeInt, Unique: true},
}}

// buildContent 组装新 Domain 的初始内容。表内容优先取快照里最近一次提交的行
func (c *Context) buildContent(ctx context.Context, info Info, t Target) (domain.ContentData, error) {
	switch t.Kind {
	case domain.KindTableContent:
		schema, n := info.table(t.Name)
		if n < 0 {
			return domain.ContentData{}, apperr.New(apperr.KindInvalidArgument, "database %s has no table %s", info.Name, t.Name)
		}
		data := domain.ContentData{Tables: []domain.TableData{{Schema: schema}}}
		if c.opts.Snapshots == nil {
			return data, nil
		}
		path, _ := t.ItemPath()
		snap, ok, err := c.opts.Snapshots.LatestContent(ctx, info.ID, path)
		if err != nil || !ok {
			return data, err
		}
		for _, td := range snap.Tables {
			if td.Schema.Name != schema.Name {
				continue
			}
			for _, r := range td.Rows {
				row := make(map[string]any, len(schema.Columns))
				// 结构改过之后，只保留仍然存在的列
				for _, col := range schema.Columns {
					if v, ok := r[col.Name]; ok {
						row[col.Name] = v
					}
				}
				data.Tables[0].Rows = append(data.Tables[0].Rows, row)
			}
		}
		return data, nil

	case domain.KindTableTemplate:
		schema, n := info.table(t.Name)
		if n < 0 {
			return domain.ContentData{}, apperr.New(apperr.KindInvalidArgument, "database %s has no table %s", info.Name, t.Name)
		}
		td := domain.TableData{Schema: columnsSchema}
		for _, col := range schema.Columns {
			td.Rows = append(td.Rows, map[string]any{
				"name":          col.Name,
				"type":          string(col.Type),
				"isKey":         col.IsKey,
				"unique":        col.Unique,
				"autoIncrement": col.AutoIncrement,
				"allowNull":     col.AllowNull,
			})
		}
		return domain.ContentData{
			Tables:     []domain.TableData{td},
			Properties: []domain.PropertyInfo{{Name: "comment", Type: domain.TypeString}},
			Values:     map[string]any{"comment": schema.Comment},
		}, nil

	case domain.KindTypeTemplate:
		typ, n := info.typ(t.Name)
		if n < 0 {
			return domain.ContentData{}, apperr.New(apperr.KindInvalidArgument, "database %s has no type %s", info.Name, t.Name)
		}
		td := domain.TableData{Schema: membersSchema}
		for _, m := range typ.Members {
			td.Rows = append(td.Rows, map[string]any{"name": m.Name, "value": m.Value})
		}
		return domain.ContentData{
			Tables: []domain.TableData{td},
			Properties: []domain.PropertyInfo{
				{Name: "comment", Type: domain.TypeString},
				{Name: "isFlag", Type: domain.TypeBool},
			},
			Values: map[string]any{"comment": typ.Comment, "isFlag": typ.IsFlag},
		}, nil
	}
	return domain.ContentData{}, apperr.New(apperr.KindInvalidArgument, "unknown item kind %q", t.Kind)
}

func schemaFromTemplate(name string, data domain.ContentData) (domain.TableSchema, error) {
	schema := domain.TableSchema{Name: name}
	schema.Comment, _ = data.Values["comment"].(string)
	for _, td := range data.Tables {
		if td.Schema.Name != columnsSchema.Name {
			continue
		}
		for _, r := range td.Rows {
			colName, _ := r["name"].(string)
			typ, _ := r["type"].(string)
			schema.Columns = append(schema.Columns, domain.Column{
				Name:          colName,
				Type:          domain.ColumnType(typ),
				IsKey:         isTrue(r["isKey"]),
				Unique:        isTrue(r["unique"]),
				AutoIncrement: isTrue(r["autoIncrement"]),
				AllowNull:     isTrue(r["allowNull"]),
			})
		}
	}
	return schema, schema.Validate()
}

func typeFromTemplate(name string, data domain.ContentData) (TypeInfo, error) {
	typ := TypeInfo{Name: name}
	typ.Comment, _ = data.Values["comment"].(string)
	typ.IsFlag = isTrue(data.Values["isFlag"])
	for _, td := range data.Tables {
		if td.Schema.Name != membersSchema.Name {
			continue
		}
		for _, r := range td.Rows {
			m := TypeMember{}
			m.Name, _ = r["name"].(string)
			m.Value, _ = r["value"].(int64)
			typ.Members = append(typ.Members, m)
		}
	}
	return typ, typ.Validate()
}

func isTrue(v any) bool {
	b, _ := v.(bool)
	return b
}
