package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/sessionstore"
)

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	if *flagList {
		listSessions()
		return
	}

	sessionID, resumeHistory := resolveSession(*flagSession, *flagContinue)
	runCoreEngine(sessionID, resumeHistory)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symb.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

// sessionsDir is where engine.go's sessionstore archives land, one JSON
// snapshot per session ID.
func sessionsDir() (string, error) {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func sessionPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

func listSessions() {
	dir, err := sessionsDir()
	if err != nil {
		fmt.Printf("Error locating sessions directory: %v\n", err)
		return
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil || len(matches) == 0 {
		fmt.Println("No sessions found")
		return
	}

	var summaries []sessionstore.Summary
	for _, path := range matches {
		snap, err := sessionstore.Load(path)
		if err != nil {
			continue
		}
		summaries = append(summaries, sessionstore.Preview(snap))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })

	for _, s := range summaries {
		ts := s.UpdatedAt.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.FirstPrompt, "\n", " ")
		fmt.Printf("%s  %s  %s\n", s.SessionID, ts, preview)
	}
}

// resolveSession picks the session ID and, for resume/continue, the replayed
// conversation history. A blank return history means start fresh.
func resolveSession(flagSession string, flagContinue bool) (string, message.History) {
	dir, err := sessionsDir()
	if err != nil {
		fmt.Printf("Warning: sessions directory unavailable: %v\n", err)
		return newSessionID(), nil
	}

	switch {
	case flagSession != "":
		snap, err := sessionstore.Load(sessionPath(dir, flagSession))
		if err != nil {
			fmt.Printf("Session %q not found\n", flagSession)
			os.Exit(1)
		}
		return flagSession, sessionstore.Restore(snap)

	case flagContinue:
		id, err := latestSessionID(dir)
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		snap, err := sessionstore.Load(sessionPath(dir, id))
		if err != nil {
			fmt.Printf("Warning: failed to load session history: %v\n", err)
			return id, nil
		}
		return id, sessionstore.Restore(snap)

	default:
		return newSessionID(), nil
	}
}

func latestSessionID(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no sessions found in %s", dir)
	}
	var best string
	var bestTime int64
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if mod := info.ModTime().Unix(); mod > bestTime {
			bestTime = mod
			best = path
		}
	}
	if best == "" {
		return "", fmt.Errorf("no readable sessions in %s", dir)
	}
	return strings.TrimSuffix(filepath.Base(best), ".json"), nil
}
