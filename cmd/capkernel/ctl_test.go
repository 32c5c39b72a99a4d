package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

func TestWords(t *testing.T) {
	got, err := words("1, 0x10,0o7")
	require.NoError(t, err)
	assert.Equal(t, []abi.Word{1, 16, 7}, got)

	got, err = words("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = words("1,x")
	assert.Error(t, err)
}

func TestSyscallRequest(t *testing.T) {
	cmd := &ctlCmd{invoke: "CNodeCopy", cap: 2, mrs: "30,64,1", extra: "2"}
	req, err := cmd.request("root", "Call")
	require.NoError(t, err)
	assert.Equal(t, "root", req.Thread)
	assert.Equal(t, "CNodeCopy", req.Invoke)
	assert.Equal(t, abi.CPtr(2), req.Cap)
	assert.Equal(t, []abi.Word{30, 64, 1}, req.MRs)
	assert.Equal(t, []abi.CPtr{2}, req.ExtraCaps)

	_, err = cmd.request("root", "Jump")
	assert.ErrorContains(t, err, "unknown syscall")

	cmd.invoke = "Nonsense"
	_, err = cmd.request("root", "Call")
	assert.Error(t, err)
}
