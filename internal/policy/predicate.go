package policy

import (
	"fmt"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/money"
)

// PredicateKind tags a Predicate node, replacing the untyped property-bag
// condition format with a small closed enumeration, per spec.md §9
// "Dynamic configuration of policy rules".
type PredicateKind string

const (
	KindAmountLte    PredicateKind = "AMOUNT_LTE"
	KindAmountLt     PredicateKind = "AMOUNT_LT"
	KindAmountGt     PredicateKind = "AMOUNT_GT"
	KindAmountGte    PredicateKind = "AMOUNT_GTE"
	KindAddressIn    PredicateKind = "ADDRESS_IN"
	KindAddressNotIn PredicateKind = "ADDRESS_NOT_IN"
	KindAll          PredicateKind = "ALL"
	KindAny          PredicateKind = "ANY"
)

// AddressList names which address-book classification an AddressIn/AddressNotIn
// predicate tests against.
type AddressList string

const (
	ListAllowlist AddressList = "allowlist"
	ListDenylist  AddressList = "denylist"
)

// Predicate is a node in the tagged condition AST. Exactly one of Amount,
// AddressList, or Children is populated, selected by Kind.
type Predicate struct {
	Kind        PredicateKind `json:"kind"`
	Amount      string        `json:"amount,omitempty"`
	AddressList AddressList   `json:"address_list,omitempty"`
	Children    []Predicate   `json:"children,omitempty"`
}

// EvalContext carries the facts a Predicate is evaluated against.
type EvalContext struct {
	AmountWei     string
	AddressStatus AddressList // "" means unknown/neither list
}

// Evaluate walks the predicate tree against ctx. A zero-value Predicate (no
// Kind) matches unconditionally, serving as a final catch-all rule.
func Evaluate(p Predicate, ctx EvalContext) (bool, error) {
	switch p.Kind {
	case "":
		return true, nil
	case KindAmountLte, KindAmountLt, KindAmountGt, KindAmountGte:
		return evalAmount(p, ctx)
	case KindAddressIn:
		return ctx.AddressStatus != "" && ctx.AddressStatus == p.AddressList, nil
	case KindAddressNotIn:
		return !(ctx.AddressStatus != "" && ctx.AddressStatus == p.AddressList), nil
	case KindAll:
		for _, child := range p.Children {
			ok, err := Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindAny:
		for _, child := range p.Children {
			ok, err := Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errs.New(errs.ConfigurationError, "policy.unknown_predicate_kind",
			fmt.Sprintf("unknown predicate kind %q", p.Kind))
	}
}

func evalAmount(p Predicate, ctx EvalContext) (bool, error) {
	amount, err := money.FromString(ctx.AmountWei)
	if err != nil {
		return false, errs.Wrap(errs.ConfigurationError, "policy.bad_amount", "parse evaluated amount", err)
	}
	threshold, err := money.FromString(p.Amount)
	if err != nil {
		return false, errs.Wrap(errs.ConfigurationError, "policy.bad_threshold", "parse predicate threshold", err)
	}
	cmp := amount.Cmp(threshold)
	switch p.Kind {
	case KindAmountLte:
		return cmp <= 0, nil
	case KindAmountLt:
		return cmp < 0, nil
	case KindAmountGt:
		return cmp > 0, nil
	case KindAmountGte:
		return cmp >= 0, nil
	default:
		return false, errs.New(errs.ConfigurationError, "policy.bad_amount_kind", "not an amount predicate")
	}
}

// FromUntyped normalizes the config-boundary untyped bag format
// (map[string]any as decoded from JSON/YAML rule definitions) into the
// tagged Predicate form, rejecting unknown keys as spec.md §9 requires.
func FromUntyped(raw map[string]any) (Predicate, error) {
	if len(raw) == 0 {
		return Predicate{}, nil
	}
	for key := range raw {
		switch key {
		case "kind", "amount", "address_list", "children":
		default:
			return Predicate{}, errs.New(errs.ConfigurationError, "policy.unknown_key",
				fmt.Sprintf("unknown predicate key %q", key))
		}
	}
	if kindRaw, ok := raw["kind"]; ok {
		kind, _ := kindRaw.(string)
		p := Predicate{Kind: PredicateKind(kind)}
		switch p.Kind {
		case KindAmountLte, KindAmountLt, KindAmountGt, KindAmountGte:
			amount, _ := raw["amount"].(string)
			if amount == "" {
				return Predicate{}, errs.New(errs.ConfigurationError, "policy.missing_amount",
					"amount predicate requires an \"amount\" field")
			}
			p.Amount = amount
			return p, nil
		case KindAddressIn, KindAddressNotIn:
			list, _ := raw["address_list"].(string)
			if list != string(ListAllowlist) && list != string(ListDenylist) {
				return Predicate{}, errs.New(errs.ConfigurationError, "policy.bad_address_list",
					fmt.Sprintf("address_list must be %q or %q, got %q", ListAllowlist, ListDenylist, list))
			}
			p.AddressList = AddressList(list)
			return p, nil
		case KindAll, KindAny:
			childrenRaw, _ := raw["children"].([]any)
			for _, c := range childrenRaw {
				cm, ok := c.(map[string]any)
				if !ok {
					return Predicate{}, errs.New(errs.ConfigurationError, "policy.bad_child", "predicate child must be an object")
				}
				child, err := FromUntyped(cm)
				if err != nil {
					return Predicate{}, err
				}
				p.Children = append(p.Children, child)
			}
			return p, nil
		default:
			return Predicate{}, errs.New(errs.ConfigurationError, "policy.unknown_predicate_kind",
				fmt.Sprintf("unknown predicate kind %q", kind))
		}
	}
	return Predicate{}, errs.New(errs.ConfigurationError, "policy.missing_kind", "predicate object missing \"kind\"")
}
