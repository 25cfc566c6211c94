package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultAdminAddr = "127.0.0.1:8745"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "metrics":
		return runMetrics(args[1:], stdout, stderr)
	case "feeds":
		return runFeeds(args[1:], stdout, stderr)
	case "follow":
		return runFollowCmd(args[1:], stdout, stderr, "follow")
	case "unfollow":
		return runFollowCmd(args[1:], stdout, stderr, "unfollow")
	case "pause":
		return runPeerCmd(args[1:], stdout, stderr, "pause")
	case "resume":
		return runPeerCmd(args[1:], stdout, stderr, "resume")
	case "publish":
		return runPublish(args[1:], stdout, stderr)
	case "blob-add":
		return runBlobAdd(args[1:], stdout, stderr)
	case "blob-want":
		return runBlobWant(args[1:], stdout, stderr)
	case "blob-cat":
		return runBlobCat(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: feedsync <status|metrics|feeds|follow|unfollow|pause|resume|publish|blob-add|blob-want|blob-cat> [args]")
	fmt.Fprintln(w, "  status   [--admin host:port]")
	fmt.Fprintln(w, "  metrics  [--admin host:port]")
	fmt.Fprintln(w, "  feeds    [--admin host:port]")
	fmt.Fprintln(w, "  follow   --id <feed> [--admin host:port]")
	fmt.Fprintln(w, "  unfollow --id <feed> [--admin host:port]")
	fmt.Fprintln(w, "  pause    --peer <feed> [--admin host:port]")
	fmt.Fprintln(w, "  resume   --peer <feed> [--admin host:port]")
	fmt.Fprintln(w, "  publish  --content <json> [--admin host:port]")
	fmt.Fprintln(w, "  blob-add --file <path> [--admin host:port]   ('-' reads stdin)")
	fmt.Fprintln(w, "  blob-want --ref <blob> [--admin host:port]")
	fmt.Fprintln(w, "  blob-cat --ref <blob> [--admin host:port]")
}

func adminFlag(fs *flag.FlagSet) *string {
	def := defaultAdminAddr
	if v := os.Getenv("FEEDSYNC_ADMIN_ADDR"); v != "" {
		def = v
	}
	return fs.String("admin", def, "admin address of the running daemon")
}

func client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func adminGet(addr, path string, out any) error {
	resp, err := client().Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeReply(resp, out)
}

func adminDo(method, addr, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeReply(resp, out)
}

func decodeReply(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var reply struct {
		Self  string                       `json:"self"`
		Peers map[string]map[string]string `json:"peers"`
		Feeds []struct {
			Feed string `json:"feed"`
			Seq  uint64 `json:"seq"`
		} `json:"feeds"`
	}
	if err := adminGet(*addr, "/v1/status", &reply); err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "self: %s\n", reply.Self)
	fmt.Fprintf(stdout, "feeds (%d):\n", len(reply.Feeds))
	for _, f := range reply.Feeds {
		fmt.Fprintf(stdout, "  %s seq=%d\n", f.Feed, f.Seq)
	}
	peers := make([]string, 0, len(reply.Peers))
	for p := range reply.Peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	fmt.Fprintf(stdout, "peers (%d):\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(stdout, "  %s\n", p)
		phases := reply.Peers[p]
		feeds := make([]string, 0, len(phases))
		for f := range phases {
			feeds = append(feeds, f)
		}
		sort.Strings(feeds)
		for _, f := range feeds {
			fmt.Fprintf(stdout, "    %s %s\n", f, phases[f])
		}
	}
	return 0
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var raw json.RawMessage
	if err := adminGet(*addr, "/v1/metrics", &raw); err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, buf.String())
	return 0
}

func runFeeds(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("feeds", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var reply struct {
		Version uint64   `json:"version"`
		Feeds   []string `json:"feeds"`
	}
	if err := adminGet(*addr, "/v1/feeds", &reply); err != nil {
		fmt.Fprintf(stderr, "feeds: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "version %d, %d feeds\n", reply.Version, len(reply.Feeds))
	for _, f := range reply.Feeds {
		fmt.Fprintln(stdout, f)
	}
	return 0
}

func runFollowCmd(args []string, stdout, stderr io.Writer, op string) int {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	id := fs.String("id", "", "feed id (64 hex chars)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 1
	}
	path := "/v1/feeds/" + strings.TrimSpace(*id) + "/" + op
	if err := adminDo(http.MethodPost, *addr, path, nil, nil); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s %s\n", op, *id)
	return 0
}

func runPeerCmd(args []string, stdout, stderr io.Writer, op string) int {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	peer := fs.String("peer", "", "peer id (64 hex chars)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *peer == "" {
		fmt.Fprintln(stderr, "missing --peer")
		return 1
	}
	path := "/v1/peers/" + strings.TrimSpace(*peer) + "/" + op
	if err := adminDo(http.MethodPost, *addr, path, nil, nil); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s %s\n", op, *peer)
	return 0
}

func runBlobAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("blob-add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	file := fs.String("file", "", "file to store ('-' for stdin)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *file == "" {
		fmt.Fprintln(stderr, "missing --file")
		return 1
	}
	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, 8<<20))
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintf(stderr, "blob-add: %v\n", err)
		return 1
	}
	resp, err := client().Post("http://"+*addr+"/v1/blobs", "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(stderr, "blob-add: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	var reply struct {
		Ref  string `json:"ref"`
		Size int64  `json:"size"`
	}
	if err := decodeReply(resp, &reply); err != nil {
		fmt.Fprintf(stderr, "blob-add: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "stored %s size=%d\n", reply.Ref, reply.Size)
	return 0
}

func runBlobWant(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("blob-want", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	ref := fs.String("ref", "", "blob ref (64 hex chars)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *ref == "" {
		fmt.Fprintln(stderr, "missing --ref")
		return 1
	}
	path := "/v1/blobs/" + strings.TrimSpace(*ref) + "/want"
	if err := adminDo(http.MethodPost, *addr, path, nil, nil); err != nil {
		fmt.Fprintf(stderr, "blob-want: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "want %s\n", *ref)
	return 0
}

func runBlobCat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("blob-cat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	ref := fs.String("ref", "", "blob ref (64 hex chars)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *ref == "" {
		fmt.Fprintln(stderr, "missing --ref")
		return 1
	}
	resp, err := client().Get("http://" + *addr + "/v1/blobs/" + strings.TrimSpace(*ref))
	if err != nil {
		fmt.Fprintf(stderr, "blob-cat: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "blob-cat: daemon returned %s\n", resp.Status)
		return 1
	}
	if _, err := io.Copy(stdout, resp.Body); err != nil {
		fmt.Fprintf(stderr, "blob-cat: %v\n", err)
		return 1
	}
	return 0
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := adminFlag(fs)
	content := fs.String("content", "", "message content (JSON)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *content == "" {
		fmt.Fprintln(stderr, "missing --content")
		return 1
	}
	if !json.Valid([]byte(*content)) {
		fmt.Fprintln(stderr, "content is not valid JSON")
		return 1
	}
	var reply struct {
		Feed string `json:"feed"`
		Seq  uint64 `json:"seq"`
		Key  string `json:"key"`
	}
	body := map[string]json.RawMessage{"content": json.RawMessage(*content)}
	if err := adminDo(http.MethodPost, *addr, "/v1/publish", body, &reply); err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "published %s seq=%d key=%s\n", reply.Feed, reply.Seq, reply.Key)
	return 0
}
