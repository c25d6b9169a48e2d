package macho

import "github.com/strongarm-go/strongarm/disasm"

// SearchTerm is one condition a CodeSearch query evaluates against a
// single instruction (and, where noted, the function analyzer it came
// from). Implementations are provided by this package; callers compose
// them with And/Or rather than implementing the interface themselves.
type SearchTerm interface {
	match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error)
}

// CallDestination matches a call instruction (BL/BLR) whose resolved
// target name equals Name.
type CallDestination struct {
	Name string
}

func (t CallDestination) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	if !in.IsCall() {
		return false, nil
	}
	target, ok := in.BranchTarget()
	if ok {
		if fa.index == nil {
			return false, nil
		}
		sym, ok := fa.index.Lookup(target)
		return ok && sym.Name == t.Name, nil
	}
	return false, nil
}

// InstructionIndex matches the instruction at exactly position Index
// within the function.
type InstructionIndex struct {
	Index int
}

func (t InstructionIndex) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	return index == t.Index, nil
}

// InstructionMnemonic matches any instruction whose mnemonic equals
// Mnemonic.
type InstructionMnemonic struct {
	Mnemonic disasm.Mnemonic
}

func (t InstructionMnemonic) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	return in.Mnemonic == t.Mnemonic, nil
}

// InstructionOperand matches an instruction with at least OperandIndex+1
// operands whose operand at that position is a register operand naming
// Register.
type InstructionOperand struct {
	OperandIndex int
	Register     disasm.Reg
}

func (t InstructionOperand) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	if t.OperandIndex < 0 || t.OperandIndex >= len(in.Args) {
		return false, nil
	}
	arg := in.Args[t.OperandIndex]
	return arg.Kind == disasm.OperandRegister && arg.Reg == t.Register, nil
}

// RegisterContentsTerm matches an instruction immediately preceded by
// Register holding the value described by Want, via TrackRegister.
type RegisterContentsTerm struct {
	Register disasm.Reg
	Want      RegisterContents
}

func (t RegisterContentsTerm) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	got, err := fa.TrackRegister(t.Register, index)
	if err != nil {
		return false, err
	}
	if got.Kind != t.Want.Kind {
		return false, nil
	}
	switch got.Kind {
	case ContentsImmediate:
		return got.ImmediateValue == t.Want.ImmediateValue, nil
	case ContentsFunctionArg:
		return got.ArgIndex == t.Want.ArgIndex, nil
	default:
		return true, nil
	}
}

// FunctionCallWithArguments matches a call instruction to CalleeName
// where each (register, value) pair in Arguments is satisfied by
// TrackRegister immediately before the call.
type FunctionCallWithArguments struct {
	CalleeName string
	Arguments  map[disasm.Reg]RegisterContents
}

// argumentResolver is implemented by SearchTerms that can produce a
// resolved-argument map for a matched instruction, beyond reporting
// whether they matched: FunctionCallWithArguments names exactly the
// registers it already resolved to decide the match, so CodeSearch
// surfaces that work on SearchMatch instead of discarding it.
type argumentResolver interface {
	resolvedArguments(fa *FunctionAnalyzer, index int) (map[disasm.Reg]RegisterContents, error)
}

func (t FunctionCallWithArguments) resolvedArguments(fa *FunctionAnalyzer, index int) (map[disasm.Reg]RegisterContents, error) {
	out := make(map[disasm.Reg]RegisterContents, len(t.Arguments))
	for reg := range t.Arguments {
		got, err := fa.TrackRegister(reg, index)
		if err != nil {
			return nil, err
		}
		out[reg] = got
	}
	return out, nil
}

func (t FunctionCallWithArguments) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	ok, err := (CallDestination{Name: t.CalleeName}).match(fa, index, in)
	if err != nil || !ok {
		return false, err
	}
	for reg, want := range t.Arguments {
		got, err := fa.TrackRegister(reg, index)
		if err != nil {
			return false, err
		}
		if got.Kind != want.Kind {
			return false, nil
		}
		switch got.Kind {
		case ContentsImmediate:
			if got.ImmediateValue != want.ImmediateValue {
				return false, nil
			}
		case ContentsFunctionArg:
			if got.ArgIndex != want.ArgIndex {
				return false, nil
			}
		}
	}
	return true, nil
}

// And composes terms into a single term that matches only when every
// term matches the same instruction.
func And(terms ...SearchTerm) SearchTerm { return andTerm{terms} }

type andTerm struct{ terms []SearchTerm }

func (t andTerm) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	for _, term := range t.terms {
		ok, err := term.match(fa, index, in)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// resolvedArguments aggregates the resolved-argument maps of every
// sub-term that implements argumentResolver, so an And() composing a
// CallDestination with a FunctionCallWithArguments still surfaces the
// latter's resolved arguments on the match.
func (t andTerm) resolvedArguments(fa *FunctionAnalyzer, index int) (map[disasm.Reg]RegisterContents, error) {
	out := make(map[disasm.Reg]RegisterContents)
	for _, term := range t.terms {
		resolver, ok := term.(argumentResolver)
		if !ok {
			continue
		}
		resolved, err := resolver.resolvedArguments(fa, index)
		if err != nil {
			return nil, err
		}
		for reg, contents := range resolved {
			out[reg] = contents
		}
	}
	return out, nil
}

// Or composes terms into a single term that matches when any term
// matches the instruction.
func Or(terms ...SearchTerm) SearchTerm { return orTerm{terms} }

type orTerm struct{ terms []SearchTerm }

func (t orTerm) match(fa *FunctionAnalyzer, index int, in disasm.Instruction) (bool, error) {
	for _, term := range t.terms {
		ok, err := term.match(fa, index, in)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// SearchMatch is one instruction within a function that satisfied a
// CodeSearch query. ResolvedArguments is populated only when term (or one
// of the terms an And() composes) implements argumentResolver; it is nil
// otherwise.
type SearchMatch struct {
	Function          Function
	InstructionIdx    int
	Instruction       disasm.Instruction
	ResolvedArguments map[disasm.Reg]RegisterContents
}

// CodeSearch evaluates term against every instruction of every function
// in fas, in order, returning every matching instruction.
func CodeSearch(fas []*FunctionAnalyzer, term SearchTerm) ([]SearchMatch, error) {
	resolver, _ := term.(argumentResolver)

	var matches []SearchMatch
	for _, fa := range fas {
		instrs, err := fa.Instructions()
		if err != nil {
			return matches, err
		}
		for i, in := range instrs {
			ok, err := term.match(fa, i, in)
			if err != nil {
				return matches, err
			}
			if !ok {
				continue
			}
			match := SearchMatch{Function: fa.Function, InstructionIdx: i, Instruction: in}
			if resolver != nil {
				resolved, err := resolver.resolvedArguments(fa, i)
				if err != nil {
					return matches, err
				}
				match.ResolvedArguments = resolved
			}
			matches = append(matches, match)
		}
	}
	return matches, nil
}
