package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/provider/providertest"
)

func TestRegistry_Adapter(t *testing.T) {
	reg := provider.NewRegistry()
	fake := providertest.New()
	built := 0
	reg.Register(mail.ProviderGoogle, func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		built++
		return fake, nil
	})

	acc := mail.Account{ID: "a1", Provider: mail.ProviderGoogle}
	p1, err := reg.Adapter(context.Background(), acc)
	require.NoError(t, err)
	p2, err := reg.Adapter(context.Background(), acc)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, built)

	reg.Forget("a1")
	_, err = reg.Adapter(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, 2, built)
}

func TestRegistry_MissingFactory(t *testing.T) {
	reg := provider.NewRegistry()

	_, err := reg.Adapter(context.Background(), mail.Account{ID: "a1", Provider: mail.ProviderMicrosoft})
	require.Error(t, err)
	assert.Equal(t, mailerr.ClassSetup, mailerr.Classify(err))
}
