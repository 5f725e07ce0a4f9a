package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/aigrid/internal/cache"
)

func TestApplyEnv(t *testing.T) {
	var bind, dsn string
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().StringVar(&bind, "bind", ":8080", "")
	cmd.Flags().StringVar(&dsn, "postgres-dsn", "", "")
	if err := cmd.Flags().Set("bind", ":9090"); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AIGRID_BIND", ":7070")
	t.Setenv("AIGRID_POSTGRES_DSN", "postgres://db")
	err := applyEnv(cmd, map[string]string{"bind": "AIGRID_BIND", "postgres-dsn": "AIGRID_POSTGRES_DSN"})
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if bind != ":9090" {
		t.Errorf("bind = %q, explicit flag should win", bind)
	}
	if dsn != "postgres://db" {
		t.Errorf("dsn = %q", dsn)
	}
}

func TestRunCommandWritesAnswers(t *testing.T) {
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"answer":{"answer":"INV-42"},"chunks":[],"resolved_entities":null}`)
	}))
	defer svc.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "table.json")
	out := filepath.Join(dir, "out.json")
	state := `{"id": "t1", "name": "Invoices", "data": {
		"columns": [{"id": "num", "entityType": "Invoice Number", "query": "Invoice number?", "type": "str", "generate": true}],
		"rows": [{"id": "r1", "sourceData": {"type": "document", "document": {"id": "doc1", "name": "inv.pdf"}}, "cells": {}}],
		"globalRules": [],
		"filters": []
	}}`
	if err := os.WriteFile(in, []byte(state), 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"run", in, "--answer-url", svc.URL, "--out", out, "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(b), `"num": "INV-42"`) {
		t.Errorf("output missing answer:\n%s", b)
	}
}

func TestCacheClearPurgesDiskCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := cache.OpenPebble(cacheDir(dir, "pebble"), time.Hour)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rootCmd.SetArgs([]string{"cache", "clear", "--driver", "pebble", "--data-dir", dir, "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("cache clear: %v", err)
	}

	c, err = cache.OpenPebble(cacheDir(dir, "pebble"), time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry survived cache clear")
	}
}

func TestCacheClearRejectsMemoryDriver(t *testing.T) {
	rootCmd.SetArgs([]string{"cache", "clear", "--driver", "memory", "--data-dir", t.TempDir()})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected an error for the memory driver")
	}
}
