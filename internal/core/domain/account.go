package domain

// AvailableAsset is a crypto asset a host account can pay with.
type AvailableAsset struct {
	AssetID string `json:"asset_id"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

// Account is a host-app funding source holding one or more assets.
type Account struct {
	ID     string           `json:"id"`
	Name   string           `json:"name,omitempty"`
	Assets []AvailableAsset `json:"assets"`
}

// SelectedAsset is the (account, asset) pair chosen to fund a session. Mutable by
// the user or by automatic fallback when the chosen asset becomes invalid.
type SelectedAsset struct {
	AccountID string `json:"account_id"`
	AssetID   string `json:"asset_id"`
}

// IsZero reports whether no asset has been selected yet.
func (s SelectedAsset) IsZero() bool {
	return s.AccountID == "" && s.AssetID == ""
}

// FindAsset resolves an asset ID to the first account holding it.
func FindAsset(accounts []Account, assetID string) (SelectedAsset, bool) {
	if assetID == "" {
		return SelectedAsset{}, false
	}
	for _, account := range accounts {
		for _, asset := range account.Assets {
			if asset.AssetID == assetID {
				return SelectedAsset{AccountID: account.ID, AssetID: asset.AssetID}, true
			}
		}
	}
	return SelectedAsset{}, false
}
