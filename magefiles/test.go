//go:build mage

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Test groups test targets.
type Test mg.Namespace

// All runs every test. PostgreSQL and MySQL suites skip unless their DSN
// variables are set.
func (Test) All() error {
	return sh.RunV(binGo, "test", "./...")
}

// Race runs every test with the race detector.
func (Test) Race() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Backends starts PostgreSQL and MySQL containers, runs their conformance
// suites, and removes the containers.
func (Test) Backends() error {
	rt := containerRuntime()
	if rt == "" {
		return fmt.Errorf("no container runtime found (tried podman, docker)")
	}

	env := map[string]string{}
	for _, d := range databases {
		defer d.stop(rt)
		if err := d.start(rt); err != nil {
			return fmt.Errorf("start %s: %w", d.name, err)
		}
	}
	for _, d := range databases {
		if err := d.waitReady(rt, 2*time.Minute); err != nil {
			return err
		}
		env[d.dsnEnv] = d.dsn
	}

	fmt.Fprintln(os.Stderr, "Running backend conformance suites...")
	return sh.RunWithV(env, binGo, "test", "-count=1", "./internal/postgres/...", "./internal/mysql/...")
}
