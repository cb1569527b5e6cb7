package retry

import (
	"fmt"
	"strings"
)

// StatementCategory is a bitmask of SQL statement kinds
type StatementCategory uint16

const (
	Insert StatementCategory = 1 << iota
	Update
	Delete
	StatementExecute
	Alter
	Create
	Drop
	Truncate
	Select

	// None blocks nothing
	None StatementCategory = 0

	// DML covers data-modifying statements
	DML = Insert | Update | Delete | Truncate

	// DDL covers schema statements
	DDL = Alter | Create | Drop

	// All covers every known statement kind
	All = DML | DDL | StatementExecute | Select
)

// statementKeywords maps each single category to the keyword alternatives
// that identify it. Longer alternatives come first.
var statementKeywords = []struct {
	category StatementCategory
	name     string
	keywords []string
}{
	{Insert, "Insert", []string{"INSERT INTO", "INSERT"}},
	{Update, "Update", []string{"UPDATE"}},
	{Delete, "Delete", []string{"DELETE"}},
	{StatementExecute, "Execute", []string{"EXECUTE", "EXEC"}},
	{Alter, "Alter", []string{"ALTER"}},
	{Create, "Create", []string{"CREATE"}},
	{Drop, "Drop", []string{"DROP"}},
	{Truncate, "Truncate", []string{"TRUNCATE"}},
	{Select, "Select", []string{"SELECT"}},
}

var compositeCategories = map[string]StatementCategory{
	"none": None,
	"dml":  DML,
	"ddl":  DDL,
	"all":  All,
}

// Has reports whether every flag of other is set in c
func (c StatementCategory) Has(other StatementCategory) bool {
	return c&other == other
}

// Categories returns the single categories set in c, in keyword table order
func (c StatementCategory) Categories() []StatementCategory {
	var out []StatementCategory
	for _, entry := range statementKeywords {
		if c.Has(entry.category) {
			out = append(out, entry.category)
		}
	}
	return out
}

// Keywords returns the keyword alternatives for every category set in c
func (c StatementCategory) Keywords() []string {
	var out []string
	for _, entry := range statementKeywords {
		if c.Has(entry.category) {
			out = append(out, entry.keywords...)
		}
	}
	return out
}

// String returns the flag names joined with "|"
func (c StatementCategory) String() string {
	if c == None {
		return "None"
	}
	var names []string
	for _, entry := range statementKeywords {
		if c.Has(entry.category) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseStatementCategory parses flag and composite names, case-insensitively
func ParseStatementCategory(names ...string) (StatementCategory, error) {
	var mask StatementCategory
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if composite, ok := compositeCategories[name]; ok {
			mask |= composite
			continue
		}
		found := false
		for _, entry := range statementKeywords {
			if strings.ToLower(entry.name) == name {
				mask |= entry.category
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown statement category %q", raw)
		}
	}
	return mask, nil
}
