// Command diagnose walks one video link through resolution, metadata,
// captions and audio location, and reports each step.
//
//	diagnose [-v] <video link>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"video-digest/internal/bilibili"
	"video-digest/internal/platform/config"
	"video-digest/internal/platform/logger"
)

func main() {
	verbose := flag.Bool("v", false, "log debug output to stderr")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall time limit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-v] [-timeout d] <video link>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = config.Load()
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(os.Stderr, level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	d := &diagnosis{
		out:      os.Stdout,
		client:   bilibili.NewClient(nil, log),
		resolver: bilibili.NewResolver(nil, log),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	d.locator = bilibili.NewLocator(log, d.client.AudioStrategies()...)

	if err := d.run(ctx, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stdout, "❌ %v\n", err)
		os.Exit(1)
	}
}

type diagnosis struct {
	out      io.Writer
	client   *bilibili.Client
	resolver *bilibili.Resolver
	locator  *bilibili.Locator
	http     *http.Client
}

func (d *diagnosis) step(n int, title string) {
	fmt.Fprintf(d.out, "\nStep %d: %s\n%s\n", n, title, strings.Repeat("-", 60))
}

func (d *diagnosis) ok(format string, args ...any) {
	fmt.Fprintf(d.out, "✅ "+format+"\n", args...)
}

func (d *diagnosis) run(ctx context.Context, link string) error {
	d.step(1, "resolve link")
	bvid, ok := d.resolver.Resolve(ctx, link)
	if !ok {
		return fmt.Errorf("no video identifier found in %q", link)
	}
	d.ok("identifier: %s", bvid)

	d.step(2, "video info")
	info, err := d.client.Metadata(ctx, bvid)
	if err != nil {
		return err
	}
	d.ok("title: %s", info.Title)
	d.ok("owner: %s", info.Owner)
	d.ok("duration: %dm%02ds", info.Duration/60, info.Duration%60)
	d.ok("cid: %d", info.CID)

	d.step(3, "captions")
	if captions := d.client.Captions(ctx, info.Ref()); captions != "" {
		d.ok("captions available (%d chars)", len([]rune(captions)))
	} else {
		fmt.Fprintln(d.out, "⚠️  no captions; speech recognition would be used")
	}

	d.step(4, "audio stream")
	audioURL, err := d.locator.Locate(ctx, info.Ref())
	if err != nil {
		return err
	}
	d.ok("audio: %s", shorten(audioURL, 100))

	d.step(5, "audio reachability")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, audioURL, nil)
	if err != nil {
		return err
	}
	bilibili.SetOriginHeaders(req)
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("audio not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("audio not reachable (%s); the address may have expired or the video may require login", resp.Status)
	}
	if resp.ContentLength >= 0 {
		d.ok("size: %.2f MB", float64(resp.ContentLength)/(1<<20))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		d.ok("type: %s", ct)
	}
	d.ok("audio reachable (%s)", resp.Status)
	return nil
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
