package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Configure(Options{Service: "lendingd", Env: "test", Output: &buf, Level: "debug"})
	defer closer.Close()

	logger.Debug("loan funded", "loan", "0x01", MaskField("lender", "0xabc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "loan funded", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "0x01", line["loan"])
	require.Equal(t, RedactedValue, line["lender"])
	require.Contains(t, line, "timestamp")
}

func TestConfigureMirrorsToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendingd.log")
	var buf bytes.Buffer
	logger, closer := Configure(Options{Service: "lendingd", Output: &buf, File: &FileSink{Path: path, MaxSizeMB: 1}})
	logger.Info("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"started"`)
	require.Equal(t, buf.String(), string(data))
}

func TestLevelParsingAndRedaction(t *testing.T) {
	if ParseLevel("WARN").String() != "WARN" {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("bogus").String() != "INFO" {
		t.Fatalf("unknown levels should default to info")
	}
	if !IsAllowlisted(" Loan ") {
		t.Fatalf("loan key should be allowlisted")
	}
	if got := MaskField("token", ""); got.Value.String() != "" {
		t.Fatalf("empty values should pass through, got %q", got.Value.String())
	}
	if fp := Fingerprint("secret-token"); len(fp) != 8 || fp == Fingerprint("other") {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
}
