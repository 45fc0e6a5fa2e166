package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hivematrix/nexus-gateway/pkg/gateway"
)

func TestNewRootCmd_RegistersServeCommand(t *testing.T) {
	rc := newRootCmd()
	var names []string
	for _, c := range rc.cmd.Commands() {
		names = append(names, c.Name())
	}
	found := false
	for _, n := range names {
		if n == "serve" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a 'serve' subcommand, got %v", names)
	}
}

func TestRootCmd_VersionFlag(t *testing.T) {
	rc := newRootCmd()
	var buf bytes.Buffer
	rc.cmd.SetOut(&buf)
	rc.cmd.SetArgs([]string{"--version"})
	if err := rc.cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), version) {
		t.Errorf("version output = %q, want it to contain %q", buf.String(), version)
	}
}

func TestRunServe_MissingConfigFailsClosed(t *testing.T) {
	// No environment variables set: config.Load must fail and runServe must
	// report exitBadConfig without attempting to bind anything.
	code, err := runServe(context.Background())
	if err == nil {
		t.Fatal("expected an error when required configuration is missing")
	}
	if code != exitBadConfig {
		t.Errorf("exit code = %d, want %d", code, exitBadConfig)
	}
}

func TestClassifyListenErr_TLSLoadFailure(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", gateway.ErrTLSLoad)
	if got := classifyListenErr(err); got != exitCannotLoadTLS {
		t.Errorf("classifyListenErr(TLS failure) = %d, want %d", got, exitCannotLoadTLS)
	}
}

func TestClassifyListenErr_BindFailure(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", gateway.ErrBind)
	if got := classifyListenErr(err); got != exitCannotBind {
		t.Errorf("classifyListenErr(bind failure) = %d, want %d", got, exitCannotBind)
	}
}

func TestClassifyListenErr_UnknownDefaultsToBind(t *testing.T) {
	if got := classifyListenErr(errors.New("boom")); got != exitCannotBind {
		t.Errorf("classifyListenErr(unknown) = %d, want %d", got, exitCannotBind)
	}
}

func TestRun_UnknownCommandReturnsBadConfigCode(t *testing.T) {
	rc := newRootCmd()
	var buf bytes.Buffer
	rc.cmd.SetOut(&buf)
	rc.cmd.SetErr(&buf)
	code := rc.run([]string{"not-a-real-subcommand"})
	if code != exitBadConfig {
		t.Errorf("exit code = %d, want %d", code, exitBadConfig)
	}
}
