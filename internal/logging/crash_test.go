package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useTempCrashDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetCrashLogDir(dir)
	t.Cleanup(func() { SetCrashLogDir("") })
	return dir
}

func TestCrashLogDir(t *testing.T) {
	if CrashLogDir() == "" {
		t.Error("CrashLogDir returned empty string")
	}

	dir := useTempCrashDir(t)
	if CrashLogDir() != dir {
		t.Errorf("CrashLogDir = %q, want override %q", CrashLogDir(), dir)
	}
}

func TestWriteAndReadCrashLog(t *testing.T) {
	useTempCrashDir(t)

	path, err := WriteCrashLog("reader goroutine exploded", []byte("goroutine 1 [running]"))
	if err != nil {
		t.Fatalf("WriteCrashLog: %v", err)
	}

	content, err := ReadCrashLog(filepath.Base(path))
	if err != nil {
		t.Fatalf("ReadCrashLog: %v", err)
	}
	for _, want := range []string{"nfc-pcsc crash report", "reader goroutine exploded", "goroutine 1 [running]"} {
		if !strings.Contains(content, want) {
			t.Errorf("crash log missing %q", want)
		}
	}

	logs, err := GetCrashLogs(10)
	if err != nil {
		t.Fatalf("GetCrashLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Path != path {
		t.Errorf("GetCrashLogs = %+v, want single entry %s", logs, path)
	}
}

func TestReadCrashLogRejectsPaths(t *testing.T) {
	useTempCrashDir(t)

	for _, name := range []string{"../settings.json", "/etc/passwd", "other.log"} {
		if _, err := ReadCrashLog(name); err == nil {
			t.Errorf("ReadCrashLog(%q) should fail", name)
		}
	}
}

func TestGetCrashLogsMissingDir(t *testing.T) {
	SetCrashLogDir(filepath.Join(t.TempDir(), "missing"))
	t.Cleanup(func() { SetCrashLogDir("") })

	logs, err := GetCrashLogs(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no logs, got %d", len(logs))
	}
}

func TestCleanupOldCrashLogs(t *testing.T) {
	tmpDir := t.TempDir()

	numFiles := MaxCrashLogs + 5
	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("crash_2026-01-01_00-00-%02d.000.log", i)
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}
	nonCrashFile := filepath.Join(tmpDir, "other.log")
	if err := os.WriteFile(nonCrashFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create non-crash file: %v", err)
	}

	cleanupOldCrashLogs(tmpDir, time.Now())

	logs, err := crashLogEntries(tmpDir)
	if err != nil {
		t.Fatalf("crashLogEntries: %v", err)
	}
	if len(logs) != MaxCrashLogs {
		t.Errorf("expected %d crash logs, got %d", MaxCrashLogs, len(logs))
	}
	if logs[0].Name() != "crash_2026-01-01_00-00-05.000.log" {
		t.Errorf("oldest kept log = %s, the five oldest should be gone", logs[0].Name())
	}
	if _, err := os.Stat(nonCrashFile); err != nil {
		t.Error("Non-crash file was incorrectly deleted")
	}
}

func TestCleanupOldCrashLogsByAge(t *testing.T) {
	tmpDir := t.TempDir()

	oldFile := filepath.Join(tmpDir, "crash_2020-01-01_00-00-00.000.log")
	if err := os.WriteFile(oldFile, []byte("old"), 0644); err != nil {
		t.Fatalf("Failed to create old file: %v", err)
	}
	oldTime := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
		t.Fatalf("Failed to set mod time: %v", err)
	}

	recentFile := filepath.Join(tmpDir, "crash_2099-01-01_00-00-00.000.log")
	if err := os.WriteFile(recentFile, []byte("recent"), 0644); err != nil {
		t.Fatalf("Failed to create recent file: %v", err)
	}

	cleanupOldCrashLogs(tmpDir, time.Now())

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("Old crash log was not deleted")
	}
	if _, err := os.Stat(recentFile); err != nil {
		t.Error("Recent crash log was incorrectly deleted")
	}
}

func TestRecoverAndLogFunc(t *testing.T) {
	useTempCrashDir(t)
	SetDefault(New(10, LevelDebug, nil))
	t.Cleanup(func() { SetDefault(New(1000, LevelInfo, nil)) })

	var gotValue interface{}
	var gotFile string
	func() {
		defer RecoverAndLogFunc("test worker", false, func(v interface{}, file string) {
			gotValue, gotFile = v, file
		})
		panic("boom")
	}()

	if gotValue != "boom" {
		t.Errorf("onPanic value = %v", gotValue)
	}
	if gotFile == "" {
		t.Error("expected a crash file path")
	}

	entries := Entries(0, LevelError)
	if len(entries) != 1 || !strings.Contains(entries[0].Message, "PANIC in test worker") {
		t.Errorf("expected one panic entry, got %+v", entries)
	}
}

func TestRecoverAndLogRePanics(t *testing.T) {
	useTempCrashDir(t)
	SetDefault(New(10, LevelDebug, nil))
	t.Cleanup(func() { SetDefault(New(1000, LevelInfo, nil)) })

	defer func() {
		if r := recover(); r != "fatal" {
			t.Errorf("expected re-panic with %q, got %v", "fatal", r)
		}
	}()
	func() {
		defer RecoverAndLog("critical", true)
		panic("fatal")
	}()
}
