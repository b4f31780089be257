package remote

import (
	"context"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// AccountData is what an institution provider returns for one access token.
type AccountData struct {
	Accounts     []schema.Account     `json:"accounts"`
	Transactions []schema.Transaction `json:"transactions"`
}

// InstitutionProvider fetches account data from a bank aggregator.
type InstitutionProvider interface {
	GetAccountData(ctx context.Context, accessToken string) (*AccountData, error)
}
