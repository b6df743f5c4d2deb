package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"iotportal/internal/auth"
	"iotportal/internal/store"
	"iotportal/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"explode"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, `unknown command "explode"`)

	err = run(context.Background(), nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage: devicectl")
}

func TestIssueTokenVerifies(t *testing.T) {
	t.Setenv("IOTP_JWT_SECRET", "s3cret")
	t.Setenv("IOTP_JWT_ISSUER", "iotportal")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"issue-token", "-user", "u1", "-ttl", "1h"}, &out))

	a, err := auth.NewJWT("s3cret", "iotportal")
	require.NoError(t, err)
	sub, err := a.Authenticate(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	assert.Error(t, run(context.Background(), []string{"issue-token"}, &out))
}

func TestDeviceCommandsAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var out bytes.Buffer
	require.NoError(t, createDevice(ctx, st, []string{"-owner", "u1", "-name", "boiler", "-location", "basement"}, &out))
	assert.Contains(t, out.String(), "owner_id=u1")

	devices, err := st.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NotNil(t, devices[0].Location)
	assert.Equal(t, "basement", *devices[0].Location)

	out.Reset()
	require.NoError(t, listDevices(ctx, st, []string{"-owner", "u1"}, &out))
	assert.Contains(t, out.String(), "boiler")

	_, err = st.Append(ctx, devices[0].ID, []telemetry.Reading{{MetricType: "temperature", Value: 20}})
	require.NoError(t, err)

	require.NoError(t, deleteDevice(ctx, st, []string{"-id", devices[0].ID.String()}, &out))
	_, err = st.Query(ctx, telemetry.Query{DeviceID: devices[0].ID})
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	assert.Error(t, deleteDevice(ctx, st, []string{"-id", "nope"}, &out))
	assert.Error(t, createDevice(ctx, st, []string{"-owner", "u1"}, &out))
}
