package quote

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMaterializeProvider struct {
	fakeProvider
	out    *Materialized
	err    error
	calls  int
	gotOpt MaterializeOptions
}

func (p *stubMaterializeProvider) Materialize(ctx context.Context, route *Route, wallet solana.PublicKey, opts MaterializeOptions) (*Materialized, error) {
	p.calls++
	p.gotOpt = opts
	return p.out, p.err
}

func TestMaterializer_UsesAttachedTransaction(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	route := &Route{transaction: encodedTestTx(t, wallet), expiryHeight: 4242}
	p := &stubMaterializeProvider{}

	out, err := NewMaterializer(p, DefaultMaterializeOptions(), nil, nil).Materialize(context.Background(), route, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), out.ExpiryHeight)
	assert.Equal(t, wallet, out.Transaction.Message.AccountKeys[0])
	assert.Zero(t, p.calls)
}

func TestMaterializer_AsksProvider(t *testing.T) {
	want := &Materialized{Transaction: &solana.Transaction{}, ExpiryHeight: 7}
	p := &stubMaterializeProvider{out: want}
	opts := MaterializeOptions{WrapNative: true, PriorityLevel: "high"}

	out, err := NewMaterializer(p, opts, nil, nil).Materialize(context.Background(), &Route{}, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Same(t, want, out)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, opts, p.gotOpt)
}

func TestMaterializer_PropagatesFailure(t *testing.T) {
	p := &stubMaterializeProvider{err: errors.New("swap builder down")}

	_, err := NewMaterializer(p, MaterializeOptions{}, nil, nil).Materialize(context.Background(), &Route{}, solana.NewWallet().PublicKey())
	assert.ErrorContains(t, err, "swap builder down")
}

func TestDecodeTransaction_Invalid(t *testing.T) {
	_, err := DecodeTransaction("%%%not-base64")
	assert.Error(t, err)

	_, err = DecodeTransaction("AAAA")
	assert.Error(t, err)
}
