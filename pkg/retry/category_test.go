package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestStatementCategory_Composites(t *testing.T) {
	assert.Equal(t, Insert|Update|Delete|Truncate, DML)
	assert.Equal(t, Alter|Create|Drop, DDL)
	assert.True(t, All.Has(DML|DDL|StatementExecute|Select))
	assert.False(t, DML.Has(Select))
	assert.Len(t, All.Categories(), 9)
}

func TestStatementCategory_String(t *testing.T) {
	tests := []struct {
		mask StatementCategory
		want string
	}{
		{None, "None"},
		{Insert, "Insert"},
		{Insert | Delete, "Insert|Delete"},
		{DDL, "Alter|Create|Drop"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mask.String())
		})
	}
}

func TestParseStatementCategory(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    StatementCategory
		wantErr bool
	}{
		{"empty", nil, None, false},
		{"none", []string{"none"}, None, false},
		{"composite", []string{"DML"}, DML, false},
		{"mixed case and spaces", []string{" insert ", "Select"}, Insert | Select, false},
		{"composite plus flag", []string{"ddl", "execute"}, DDL | StatementExecute, false},
		{"all", []string{"all"}, All, false},
		{"unknown", []string{"merge"}, None, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatementCategory(tt.input...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatementCategory_YAML(t *testing.T) {
	var cfg struct {
		Scalar StatementCategory `yaml:"scalar"`
		List   StatementCategory `yaml:"list"`
	}
	doc := "scalar: insert|update\nlist: [ddl, select]\n"
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	assert.Equal(t, Insert|Update, cfg.Scalar)
	assert.Equal(t, DDL|Select, cfg.List)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	var again struct {
		Scalar StatementCategory `yaml:"scalar"`
		List   StatementCategory `yaml:"list"`
	}
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, cfg.Scalar, again.Scalar)
	assert.Equal(t, cfg.List, again.List)

	err = yaml.Unmarshal([]byte("scalar: upsert\n"), &cfg)
	assert.Error(t, err)
}

func TestStatementGate_Allowed(t *testing.T) {
	tests := []struct {
		name    string
		blocked StatementCategory
		text    string
		allowed bool
	}{
		{"insert gate allows update", Insert, "UPDATE t SET x=1", true},
		{"insert gate blocks insert", Insert, "INSERT INTO t VALUES (1)", false},
		{"insert gate is case insensitive", Insert, "insert into t VALUES (1)", false},
		{"insert gate tolerates whitespace", Insert, "insert\n\tinto t VALUES (1)", false},
		{"whole words only", Insert, "SELECT inserted_at FROM t", true},
		{"none allows empty text", None, "", true},
		{"none allows anything", None, "DROP TABLE t", true},
		{"dml blocks delete", DML, "delete from t where id = 1", false},
		{"dml blocks truncate", DML, "TRUNCATE TABLE t", false},
		{"dml allows select", DML, "SELECT * FROM t", true},
		{"execute covers exec", StatementExecute, "EXEC dbo.proc", false},
		{"ddl blocks create", DDL, "CREATE TABLE t (id int)", false},
		{"empty text with mask", All, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewStatementGate(tt.blocked)
			assert.Equal(t, tt.allowed, gate.Allowed(tt.text))
		})
	}
}

func TestStatementGate_Pattern(t *testing.T) {
	assert.Empty(t, NewStatementGate(None).Pattern())

	gate := NewStatementGate(Insert)
	assert.Equal(t, Insert, gate.Blocked())
	assert.Equal(t, `(?i)\b(?:INSERT\s+INTO|INSERT)\b`, gate.Pattern())
}
