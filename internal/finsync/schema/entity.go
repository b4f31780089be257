package schema

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of domain object a change or snapshot refers to.
type EntityType string

const (
	EntityAccount     EntityType = "account"
	EntityTransaction EntityType = "transaction"
	EntityBudget      EntityType = "budget"
	EntityGoal        EntityType = "goal"
	EntityInvestment  EntityType = "investment"
)

// AllEntityTypes returns every synchronized entity type in pull order.
// Accounts come first so transactions and investments can reference them.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityAccount,
		EntityTransaction,
		EntityBudget,
		EntityGoal,
		EntityInvestment,
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityAccount, EntityTransaction, EntityBudget, EntityGoal, EntityInvestment:
		return true
	}
	return false
}

func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType converts user input such as "Account" or "transactions" to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimSuffix(norm, "s")
	t := EntityType(norm)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// ParseEntityTypes parses a list of entity type names.
// An empty list yields AllEntityTypes.
func ParseEntityTypes(names []string) ([]EntityType, error) {
	if len(names) == 0 {
		return AllEntityTypes(), nil
	}
	seen := make(map[EntityType]bool, len(names))
	types := make([]EntityType, 0, len(names))
	for _, name := range names {
		t, err := ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types, nil
}

// Operation is the kind of mutation a ChangeRecord carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

func (op Operation) String() string {
	return string(op)
}

// ParseOperation converts user input to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}
