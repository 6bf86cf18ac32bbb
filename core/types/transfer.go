package types

// TransferInstruction asks the token-transfer collaborator to move funds. The
// engines only ever compute who gets how much; execution happens downstream
// once the owning transition has been confirmed.
type TransferInstruction struct {
	From   Address `json:"from"`
	To     Address `json:"to"`
	Token  string  `json:"token"`
	Amount uint64  `json:"amount"`
	Memo   string  `json:"memo,omitempty"`
}
