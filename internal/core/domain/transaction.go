package domain

// TransactionRequest is the fully assembled descriptor handed to the host-supplied
// signing callback. The host signs and broadcasts; the SDK never awaits the result.
type TransactionRequest struct {
	SessionID   string `json:"session_id"`
	Amount      string `json:"amount"`
	AccountID   string `json:"account_id"`
	AssetID     string `json:"asset_id"`
	Destination string `json:"destination"`
	FeeAmount   string `json:"fee_amount,omitempty"`
	FeeAsset    string `json:"fee_asset,omitempty"`
	FeePrice    string `json:"fee_price,omitempty"`
	FeePriority string `json:"fee_priority,omitempty"`
	Size        string `json:"size,omitempty"`
	BrandName   string `json:"brand_name,omitempty"`
	BrandLogo   string `json:"brand_logo,omitempty"`
	BrandColor  string `json:"brand_color,omitempty"`
}

// NewTransactionRequest assembles a signing descriptor from a session snapshot and
// the funding source selected for it. Returns false when the session has no
// requested transaction attached yet.
func NewTransactionRequest(session *CommerceSession, selected SelectedAsset) (TransactionRequest, bool) {
	if session == nil || session.RequestedTransaction == nil {
		return TransactionRequest{}, false
	}
	tx := session.RequestedTransaction
	req := TransactionRequest{
		SessionID:   session.ID,
		Amount:      tx.Amount,
		AccountID:   selected.AccountID,
		AssetID:     selected.AssetID,
		Destination: tx.Destination,
		Size:        tx.Size,
		BrandName:   session.Brand.Name,
		BrandLogo:   session.Brand.LogoURL,
		BrandColor:  session.Brand.Color,
	}
	if tx.Fee != nil {
		req.FeeAmount = tx.Fee.Amount
		req.FeeAsset = tx.Fee.Asset
		req.FeePrice = tx.Fee.Price
		req.FeePriority = tx.Fee.Priority
	}
	return req, true
}
