package domain

// SessionStatus represents the server-side lifecycle state of a commerce session.
type SessionStatus string

const (
	SessionStatusCreated             SessionStatus = "created"
	SessionStatusRequiresAmount      SessionStatus = "requires_amount"
	SessionStatusRequiresTransaction SessionStatus = "requires_transaction"
	SessionStatusRequiresApproval    SessionStatus = "requires_approval"
	SessionStatusCompleted           SessionStatus = "completed"
	SessionStatusClosed              SessionStatus = "closed"
	SessionStatusUnknown             SessionStatus = "unknown"
)

// ParseSessionStatus maps a wire value onto a known status, falling back to unknown.
func ParseSessionStatus(s string) SessionStatus {
	switch SessionStatus(s) {
	case SessionStatusCreated, SessionStatusRequiresAmount, SessionStatusRequiresTransaction,
		SessionStatusRequiresApproval, SessionStatusCompleted, SessionStatusClosed:
		return SessionStatus(s)
	default:
		return SessionStatusUnknown
	}
}

// Brand holds the merchant display fields attached to a session.
type Brand struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url,omitempty"`
	Color   string `json:"color,omitempty"`
}

// Preferences holds the payer-side choices recorded on the session.
type Preferences struct {
	PaymentAsset string `json:"payment_asset"`
}

// Fee describes the network fee attached to a requested transaction.
type Fee struct {
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	Price    string `json:"price,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// RequestedTransaction is the on-chain transfer the server asks the payer to sign.
type RequestedTransaction struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Size        string `json:"size,omitempty"`
	Fee         *Fee   `json:"fee,omitempty"`
}

// Authorization carries the legacy flexcode authorization attached to a session.
type Authorization struct {
	Number  string `json:"number"`
	Details string `json:"details,omitempty"`
	Status  string `json:"status,omitempty"`
}

// CommerceSession is the server-side record of an in-progress payment negotiation.
// It is created by the backend and mutated only by server-pushed events; completed
// and closed are terminal.
type CommerceSession struct {
	ID                   string                `json:"id"`
	Amount               string                `json:"amount"`
	Asset                string                `json:"asset"`
	Brand                Brand                 `json:"brand"`
	Status               SessionStatus         `json:"status"`
	Preferences          Preferences           `json:"preferences"`
	RequestedTransaction *RequestedTransaction `json:"requested_transaction,omitempty"`
	Authorization        *Authorization        `json:"authorization,omitempty"`
	Transactions         []SessionTransaction  `json:"transactions,omitempty"`
}

// Clone returns a deep copy that is safe to hand to another goroutine.
func (s *CommerceSession) Clone() *CommerceSession {
	if s == nil {
		return nil
	}
	dup := *s
	if s.RequestedTransaction != nil {
		tx := *s.RequestedTransaction
		if tx.Fee != nil {
			fee := *tx.Fee
			tx.Fee = &fee
		}
		dup.RequestedTransaction = &tx
	}
	if s.Authorization != nil {
		auth := *s.Authorization
		dup.Authorization = &auth
	}
	if s.Transactions != nil {
		dup.Transactions = append([]SessionTransaction(nil), s.Transactions...)
	}
	return &dup
}

// SessionTransaction is a prior transaction recorded on the session.
type SessionTransaction struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
	Status string `json:"status,omitempty"`
}

// IsClosed reports whether the session reached the closed terminal state.
func (s *CommerceSession) IsClosed() bool {
	return s.Status == SessionStatusClosed
}

// IsCompleted reports whether the session reached the completed terminal state.
func (s *CommerceSession) IsCompleted() bool {
	return s.Status == SessionStatusCompleted
}

// RequiresTransaction reports whether the session awaits an on-chain transaction.
func (s *CommerceSession) RequiresTransaction() bool {
	return s.Status == SessionStatusRequiresTransaction
}

// RequiresApproval reports whether the session follows the account-balance
// approval path, where the payment asset is fixed.
func (s *CommerceSession) RequiresApproval() bool {
	return s.Status == SessionStatusRequiresApproval
}

// PinnedSession is the durable "what was I doing" pointer persisted across
// process restarts so a relaunch can resume an in-flight session.
type PinnedSession struct {
	Session         *CommerceSession `json:"session"`
	Legacy          bool             `json:"legacy"`
	TransactionSent bool             `json:"transaction_sent"`
}
