// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import "testing"

func TestStartupTransition(t *testing.T) {
	w := New()
	if !w.Is(Starting) {
		t.Fatal("expected Starting on creation")
	}
	w.TransitionToRunning()
	if w.Is(Starting) {
		t.Fatal("Starting should have cleared")
	}
	if !w.Is(Running) {
		t.Fatal("expected Running after transition")
	}
}

func TestReloadSelfClears(t *testing.T) {
	w := New()
	w.TransitionToRunning()
	w.BeginReload()
	if !w.Is(Reloading) {
		t.Fatal("expected Reloading set")
	}
	w.EndReload()
	if w.Is(Reloading) {
		t.Fatal("Reloading should have cleared")
	}
	if !w.Is(Running) {
		t.Fatal("Running should be untouched by reload")
	}
}

func TestStoppingIsLatched(t *testing.T) {
	w := New()
	w.TransitionToRunning()
	w.Shutdown()
	if !w.Stopping() {
		t.Fatal("expected Stopping")
	}
	w.Unset(Stopping)
	if !w.Stopping() {
		t.Fatal("Stopping must not be clearable")
	}
	w.TransitionToRunning() // must be a no-op once stopping
	if w.Is(Running) {
		t.Fatal("TransitionToRunning must not override Stopping")
	}
}

func TestIsNot(t *testing.T) {
	w := New()
	if !w.IsNot(Stopping) {
		t.Fatal("expected IsNot(Stopping) true before shutdown")
	}
	w.Shutdown()
	if w.IsNot(Stopping) {
		t.Fatal("expected IsNot(Stopping) false after shutdown")
	}
}
