package schema

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateCreateTableSql renders the CREATE TABLE statement for s,
// including composite primary key, CHECK constraints for enum columns, and
// NOT NULL flags, in the style of the hand-assembled DDL strings in the
// pack's storage schema files (e.g. the BeadsLog/beads sqlite schema.go
// examples use the same CREATE TABLE IF NOT EXISTS / inline CHECK idiom).
func (s *Schema) GenerateCreateTableSql() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.QualifiedName())

	lines := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		line := "    " + c.Name + " " + c.Storage.String()
		if !c.Nullable && !c.IsPK {
			line += " NOT NULL"
		}
		if c.Default != nil {
			line += " DEFAULT " + *c.Default
		}
		if len(c.EnumValues) > 0 {
			quoted := make([]string, len(c.EnumValues))
			for i, v := range c.EnumValues {
				quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
			}
			line += fmt.Sprintf(" CHECK(%s IN (%s))", c.Name, strings.Join(quoted, ", "))
		}
		lines = append(lines, line)
	}
	if len(s.PrimaryKey) > 0 {
		lines = append(lines, "    PRIMARY KEY ("+strings.Join(s.PrimaryKey, ", ")+")")
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

// GenerateCreateIndexSql returns one CREATE INDEX statement per IndexDef,
// ordered by index name (per §4.M).
func (s *Schema) GenerateCreateIndexSql() []string {
	idxs := append([]IndexDef(nil), s.Indexes...)
	sort.Slice(idxs, func(i, j int) bool { return idxs[i].Name < idxs[j].Name })
	out := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		kw := "INDEX"
		if idx.Unique {
			kw = "UNIQUE INDEX"
		}
		out = append(out, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kw, idx.Name, s.TableName, strings.Join(idx.Columns, ", ")))
	}
	return out
}

// AddColumnSql renders an additive ALTER TABLE ... ADD COLUMN statement,
// the only schema-migration shape §1's Non-goals permit ("schema
// migration / ALTER TABLE beyond additive columns" stays out of scope).
func (s *Schema) AddColumnSql(name string, storage StorageType) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.QualifiedName(), name, storage.String())
}
