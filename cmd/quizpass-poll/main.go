// Command quizpass-poll waits for a checkout's sign-in link the way the
// post-checkout page does. Support uses it to check a deployment end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dukerupert/quizpass/internal/logging"
	"github.com/dukerupert/quizpass/internal/poller"
)

func main() {
	var cfg poller.Config
	var logLevel string
	flag.StringVar(&cfg.BaseURL, "base-url", os.Getenv("QUIZPASS_BASE_URL"), "deployment base URL")
	flag.StringVar(&cfg.SessionID, "session", "", "funnel session id")
	flag.StringVar(&cfg.Ticket, "ticket", "", "poll ticket returned by checkout")
	flag.StringVar(&cfg.Email, "email", "", "email for the fallback link")
	flag.DurationVar(&cfg.Interval, "interval", poller.DefaultInterval, "delay between checks")
	flag.IntVar(&cfg.MaxAttempts, "attempts", poller.DefaultMaxAttempts, "checks before falling back to email")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger := logging.Setup(logLevel, "text")

	if err := validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: quizpass-poll -base-url URL -session ID -ticket TICKET -email ADDR")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := poller.New(cfg, logger).Run(ctx)
	if err != nil {
		logger.Error("poll failed", "error", err)
		os.Exit(1)
	}
	if res.FellBack {
		fmt.Printf("no link after %d checks; a sign-in link was emailed to %s\n", res.Attempts, cfg.Email)
		return
	}
	fmt.Println(res.VerifyURL)
}

// validate requires every flag the poller needs, including the email used
// when the attempt budget runs out.
func validate(cfg poller.Config) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"-base-url", cfg.BaseURL},
		{"-session", cfg.SessionID},
		{"-ticket", cfg.Ticket},
		{"-email", cfg.Email},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}
