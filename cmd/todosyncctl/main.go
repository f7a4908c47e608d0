package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/todosync/internal/api"
	"github.com/matheus3301/todosync/internal/lock"
	"github.com/matheus3301/todosync/internal/session"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "per-command timeout")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	method, req, err := request(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fail(err)
	}
	if *jsonFlag {
		outputJSON(resp)
		return
	}
	switch method {
	case api.MethodStatus:
		printStatus(resp)
	case api.MethodSearchUsers:
		printUsers(resp)
	default:
		printView(resp)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: todosyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show session status")
	fmt.Fprintln(os.Stderr, "  sessions                   List known sessions")
	fmt.Fprintln(os.Stderr, "  snapshot                   Show the current view")
	fmt.Fprintln(os.Stderr, "  chats                      Refresh and list chats")
	fmt.Fprintln(os.Stderr, "  open <chat-id>             Open a chat")
	fmt.Fprintln(os.Stderr, "  close                      Close the open chat")
	fmt.Fprintln(os.Stderr, "  draft <user-id> [name]     Start a chat with a user")
	fmt.Fprintln(os.Stderr, "  send <text...>             Send a message to the open chat or draft")
	fmt.Fprintln(os.Stderr, "  group <name> <user-id...>  Create a group chat")
	fmt.Fprintln(os.Stderr, "  search <term>              Search users")
	fmt.Fprintln(os.Stderr, "  task begin <task-id>       Mark a task for completion")
	fmt.Fprintln(os.Stderr, "  task confirm <note...>     Complete the marked task")
	fmt.Fprintln(os.Stderr, "  task cancel                Abandon the pending completion")
	fmt.Fprintln(os.Stderr, "  filter <all|pending|completed>")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]       Stream events")
}

// request maps command-line arguments to a control method and its document.
func request(args []string) (string, map[string]any, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		return api.MethodStatus, nil, nil
	case "snapshot":
		return api.MethodSnapshot, nil, nil
	case "chats":
		return api.MethodRefreshChats, nil, nil
	case "open":
		id, err := oneID(cmd, rest)
		if err != nil {
			return "", nil, err
		}
		return api.MethodSelectChat, map[string]any{"chat_id": id}, nil
	case "close":
		return api.MethodCloseChat, nil, nil
	case "draft":
		if len(rest) == 0 {
			return "", nil, errors.New("draft needs a user id")
		}
		id, err := parseID(rest[0])
		if err != nil {
			return "", nil, err
		}
		return api.MethodStartDraft, map[string]any{"user_id": id, "full_name": strings.Join(rest[1:], " ")}, nil
	case "send":
		return api.MethodSendMessage, map[string]any{"content": strings.Join(rest, " ")}, nil
	case "group":
		if len(rest) < 2 {
			return "", nil, errors.New("group needs a name and at least one user id")
		}
		ids := make([]any, 0, len(rest)-1)
		for _, s := range rest[1:] {
			id, err := parseID(s)
			if err != nil {
				return "", nil, err
			}
			ids = append(ids, id)
		}
		return api.MethodCreateGroup, map[string]any{"name": rest[0], "member_ids": ids}, nil
	case "search":
		return api.MethodSearchUsers, map[string]any{"term": strings.Join(rest, " ")}, nil
	case "filter":
		if len(rest) != 1 {
			return "", nil, errors.New("filter needs one of all, pending, completed")
		}
		return api.MethodSetFilter, map[string]any{"filter": rest[0]}, nil
	case "task":
		if len(rest) == 0 {
			return "", nil, errors.New("task needs begin, confirm or cancel")
		}
		switch rest[0] {
		case "begin":
			id, err := oneID("task begin", rest[1:])
			if err != nil {
				return "", nil, err
			}
			return api.MethodBeginCompletion, map[string]any{"task_id": id}, nil
		case "confirm":
			return api.MethodConfirmCompletion, map[string]any{"note": strings.Join(rest[1:], " ")}, nil
		case "cancel":
			return api.MethodCancelCompletion, nil, nil
		}
		return "", nil, fmt.Errorf("unknown task subcommand: %s", rest[0])
	}
	return "", nil, fmt.Errorf("unknown command: %s", cmd)
}

func oneID(cmd string, rest []string) (float64, error) {
	if len(rest) != 1 {
		return 0, fmt.Errorf("%s needs exactly one id", cmd)
	}
	return parseID(rest[0])
}

// parseID returns ids as float64, the only number type a struct document holds.
func parseID(s string) (float64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return float64(id), nil
}

func cmdWatch(c *api.Client, namespaces []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, namespaces, func(env *structpb.Struct) error {
		if jsonOut {
			outputJSON(env)
			return nil
		}
		f := env.GetFields()
		at := time.UnixMilli(int64(f["occurred_at_unix_ms"].GetNumberValue()))
		payload, _ := protojson.Marshal(f["payload"])
		fmt.Printf("%s %-24s %s\n", at.Format("15:04:05.000"), f["kind"].GetStringValue(), payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

// cmdSessions lists session directories and whether a daemon holds each.
func cmdSessions(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fail(err)
	}
	var list []any
	for _, name := range names {
		doc := map[string]any{"name": name, "path": session.Dir(name), "running": false}
		if owner, err := lock.ReadOwner(session.LockPath(name)); err == nil {
			doc["running"] = true
			doc["pid"] = owner.PID
			doc["server"] = owner.Server
		}
		list = append(list, doc)
	}
	if jsonOut {
		s, err := structpb.NewStruct(map[string]any{"sessions": list})
		if err != nil {
			fail(err)
		}
		outputJSON(s)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, item := range list {
		doc := item.(map[string]any)
		state := "stopped"
		if doc["running"] == true {
			state = fmt.Sprintf("running, pid %v, %v", doc["pid"], doc["server"])
		}
		fmt.Printf("%-20s %v (%s)\n", doc["name"], doc["path"], state)
	}
}

func printStatus(resp *structpb.Struct) {
	f := resp.GetFields()
	fmt.Printf("Session:   %s\n", f["session"].GetStringValue())
	fmt.Printf("State:     %s\n", f["state"].GetStringValue())
	fmt.Printf("User:      %s\n", f["local_user"].GetStructValue().GetFields()["display_name"].GetStringValue())
	fmt.Printf("Chats:     %d\n", int64(f["chat_count"].GetNumberValue()))
	fmt.Printf("Selection: %s\n", f["selection"].GetStringValue())
	fmt.Printf("Uptime:    %s\n", time.Duration(f["uptime_ms"].GetNumberValue())*time.Millisecond)
}

func printUsers(resp *structpb.Struct) {
	users := resp.GetFields()["users"].GetListValue().GetValues()
	if len(users) == 0 {
		fmt.Println("No users found.")
		return
	}
	for _, u := range users {
		f := u.GetStructValue().GetFields()
		fmt.Printf("%6d  %-20s %s\n", int64(f["id"].GetNumberValue()), f["username"].GetStringValue(), f["full_name"].GetStringValue())
	}
}

func printView(resp *structpb.Struct) {
	f := resp.GetFields()
	for _, v := range f["chats"].GetListValue().GetValues() {
		c := v.GetStructValue().GetFields()
		marker := " "
		if c["open"].GetBoolValue() {
			marker = ">"
		}
		unread := ""
		if n := int64(c["unread_count"].GetNumberValue()); n > 0 {
			unread = fmt.Sprintf(" (%d)", n)
		}
		fmt.Printf("%s %6d  %s%s\n", marker, int64(c["id"].GetNumberValue()), c["display_name"].GetStringValue(), unread)
	}
	if title := f["title"].GetStringValue(); title != "" {
		fmt.Printf("\n== %s\n", title)
	}
	for _, v := range f["messages"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		at := time.UnixMilli(int64(m["sent_at_ms"].GetNumberValue()))
		fmt.Printf("[%s] %s: %s\n", at.Format("01-02 15:04"), m["sender_name"].GetStringValue(), m["content"].GetStringValue())
	}
	taskPanel := f["tasks"].GetStructValue().GetFields()
	if items := taskPanel["items"].GetListValue().GetValues(); len(items) > 0 {
		counts := taskPanel["counts"].GetStructValue().GetFields()
		fmt.Printf("\nTasks (%s) %d pending, %d completed\n", taskPanel["filter"].GetStringValue(),
			int64(counts["pending"].GetNumberValue()), int64(counts["completed"].GetNumberValue()))
		for _, v := range items {
			t := v.GetStructValue().GetFields()
			box := "[ ]"
			switch t["state"].GetStringValue() {
			case "COMPLETED":
				box = "[x]"
			case "AWAITING_COMPLETION":
				box = "[~]"
			}
			line := fmt.Sprintf("%s %d %s", box, int64(t["id"].GetNumberValue()), t["description"].GetStringValue())
			if e := t["error"].GetStringValue(); e != "" {
				line += "  ! " + e
			}
			fmt.Println(line)
		}
	}
	if w := f["warning"].GetStringValue(); w != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if n := f["notice"].GetStringValue(); n != "" {
		fmt.Fprintf(os.Stderr, "notice: %s\n", n)
	}
}

func outputJSON(s *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
