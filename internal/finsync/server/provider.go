package server

import (
	"context"
	"errors"
	"sync"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// ErrUnknownToken is returned by StaticProvider for an unregistered token.
var ErrUnknownToken = errors.New("unknown access token")

// StaticProvider is an in-memory InstitutionProvider.
type StaticProvider struct {
	mu   sync.Mutex
	data map[string]*remote.AccountData
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{data: make(map[string]*remote.AccountData)}
}

// Set registers the data returned for accessToken.
func (p *StaticProvider) Set(accessToken string, data *remote.AccountData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[accessToken] = data
}

// GetAccountData implements remote.InstitutionProvider.
func (p *StaticProvider) GetAccountData(ctx context.Context, accessToken string) (*remote.AccountData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.data[accessToken]
	if !ok {
		return nil, ErrUnknownToken
	}
	out := &remote.AccountData{
		Accounts:     append([]schema.Account(nil), d.Accounts...),
		Transactions: append([]schema.Transaction(nil), d.Transactions...),
	}
	return out, nil
}
