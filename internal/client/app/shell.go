package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/client/services"
	"github.com/tripmark/tripsync/internal/region"
)

// shell reads commands from stdin until quit or context cancellation.
func (a *App) shell(ctx context.Context) {
	fmt.Println("tripsync client — type 'help' for commands")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if a.dispatch(ctx, strings.Fields(line)) {
				return
			}
		}
	}
}

// dispatch runs one command; it returns true when the shell should exit.
func (a *App) dispatch(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "quit", "exit":
		return true
	case "help":
		printHelp()
	case "list":
		err = a.cmdList(ctx)
	case "mark":
		err = a.cmdMark(ctx, args[1:])
	case "notes":
		err = a.cmdNotes(ctx, args[1:])
	case "remove":
		err = a.cmdRemove(ctx, args[1:])
	case "progress":
		err = a.cmdProgress(ctx)
	case "status":
		err = a.cmdStatus(ctx)
	case "sync":
		err = a.gate.SyncNow(ctx)
		if err == nil {
			fmt.Println("synchronized")
		}
	case "retry":
		var n int
		if n, err = a.places.RetryFailed(ctx); err == nil {
			fmt.Printf("requeued %d operation(s)\n", n)
		}
	default:
		fmt.Printf("unknown command %q, try 'help'\n", args[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func printHelp() {
	fmt.Print(`commands:
  list                          show marked places
  mark TYPE CODE NAME...        mark a place visited (e.g. mark country FR France)
  notes TYPE CODE TEXT...       set notes on a place
  remove TYPE CODE              remove a place
  progress                      visited counts per region type
  status                        local sync queue state
  sync                          synchronize now and wait
  retry                         requeue failed operations
  quit                          exit
`)
}

func parseKey(args []string) (models.Key, error) {
	if len(args) < 2 {
		return models.Key{}, fmt.Errorf("expected TYPE and CODE")
	}
	t := region.Type(args[0])
	if !region.Valid(t) {
		return models.Key{}, fmt.Errorf("unknown region type %q", args[0])
	}
	return models.Key{Type: t, Code: strings.ToUpper(args[1])}, nil
}

func (a *App) cmdList(ctx context.Context) error {
	all, err := a.places.List(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("nothing marked yet")
		return nil
	}
	for _, p := range all {
		line := fmt.Sprintf("%-18s %-6s %-24s v%d", p.RegionType, p.RegionCode, p.RegionName, p.SyncVersion)
		if p.Notes != "" {
			line += "  # " + strings.ReplaceAll(p.Notes, "\n", " / ")
		}
		fmt.Println(line)
	}
	return nil
}

func (a *App) cmdMark(ctx context.Context, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	name := key.Code
	if len(args) > 2 {
		name = strings.Join(args[2:], " ")
	}
	now := time.Now().UTC()
	_, err = a.places.Mark(ctx, services.MarkInput{
		RegionType:  key.Type,
		RegionCode:  key.Code,
		RegionName:  name,
		VisitedDate: &now,
	})
	return err
}

func (a *App) cmdNotes(ctx context.Context, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return fmt.Errorf("expected notes text")
	}
	notes := strings.Join(args[2:], " ")
	_, err = a.places.Update(ctx, key, services.UpdateInput{Notes: &notes})
	return err
}

func (a *App) cmdRemove(ctx context.Context, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	return a.places.Remove(ctx, key)
}

func (a *App) cmdProgress(ctx context.Context) error {
	prog, err := a.places.Progress(ctx)
	if err != nil {
		return err
	}
	types := make([]string, 0, len(prog))
	for t := range prog {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		p := prog[region.Type(t)]
		if p.Total > 0 {
			fmt.Printf("%-18s %d/%d\n", t, p.Visited, p.Total)
		} else {
			fmt.Printf("%-18s %d\n", t, p.Visited)
		}
	}
	return nil
}

func (a *App) cmdStatus(ctx context.Context) error {
	st, err := a.places.Status(ctx)
	if err != nil {
		return err
	}
	online := "offline"
	if a.monitor.Online() {
		online = "online"
	}
	fmt.Printf("server: %s\n", online)
	fmt.Printf("queue: %d pending, %d in flight, %d failed\n", st.Pending, st.InFlight, st.Failed)
	fmt.Printf("last sync version: %d\n", st.LastSyncVersion)
	if !st.LastServerTimestamp.IsZero() {
		fmt.Printf("last server contact: %s\n", st.LastServerTimestamp.Format(time.RFC3339))
	}
	return nil
}
