package cmd

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/otherjamesbrown/penf-recorder/credentials"
)

func secretDeps() *SecretCommandDeps {
	keyring.MockInit()
	return &SecretCommandDeps{
		Store:      credentials.Chain{credentials.EnvStore{}, credentials.NewKeyringStore("penf-recorder-test")},
		ReadSecret: readSecret,
	}
}

func TestReadSecret_FromPipe(t *testing.T) {
	v, err := readSecret("ignored: ", strings.NewReader("s3cret-value\n"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", v)

	v, err = readSecret("ignored: ", strings.NewReader("no-newline"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "no-newline", v)
}

func TestSecretSetListDelete(t *testing.T) {
	deps := secretDeps()
	t.Setenv(credentials.EnvVar(credentials.RedisPassword), "")
	t.Setenv(credentials.EnvVar(credentials.DatabasePassword), "")

	var out bytes.Buffer
	require.NoError(t, runSecretSet(deps, strings.NewReader("correct-horse-battery\n"), &out, credentials.DatabasePassword))
	assert.Contains(t, out.String(), "Stored database-password")

	out.Reset()
	require.NoError(t, runSecretList(deps, &out))
	s := out.String()
	assert.Contains(t, s, credentials.MaskSecret("correct-horse-battery"))
	assert.NotContains(t, s, "correct-horse-battery")
	assert.Contains(t, s, "(not set)")
	assert.Contains(t, s, "PENF_RECORDER_SECRET_DATABASE_PASSWORD")

	cmd := NewSecretCommand(deps)
	cmd.SetArgs([]string{"delete", credentials.DatabasePassword})
	out.Reset()
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Deleted database-password")

	_, err := deps.Store.Get(credentials.DatabasePassword)
	assert.ErrorIs(t, err, credentials.ErrSecretNotFound)
}

func TestSecretSet_Rejects(t *testing.T) {
	deps := secretDeps()

	err := runSecretSet(deps, strings.NewReader("x\n"), io.Discard, "Bad Name")
	assert.ErrorContains(t, err, "invalid secret name")

	err = runSecretSet(deps, strings.NewReader("\n"), io.Discard, credentials.AuditPassword)
	assert.ErrorContains(t, err, "empty")
}

func TestSecretList_EnvOverride(t *testing.T) {
	deps := secretDeps()
	t.Setenv(credentials.EnvVar(credentials.AuditPassword), "from-the-environment")

	var out bytes.Buffer
	require.NoError(t, runSecretList(deps, &out))
	assert.Contains(t, out.String(), credentials.MaskSecret("from-the-environment"))
}
