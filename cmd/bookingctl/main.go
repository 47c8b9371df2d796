package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/booking-guard/internal/api/router"
	"github.com/wolfman30/booking-guard/internal/app/bootstrap"
	"github.com/wolfman30/booking-guard/internal/appointments"
	"github.com/wolfman30/booking-guard/internal/audit"
	"github.com/wolfman30/booking-guard/internal/bookingapi"
	appconfig "github.com/wolfman30/booking-guard/internal/config"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/submission"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

const usageText = `usage: bookingctl <command> [flags]

commands:
  events       list calendar events
  submit       submit a form: submit -action /path key=value...
  appointment  create an appointment
  login        sign in and print the session
  usage        show plan usage
  heartbeat    send one heartbeat
  audit        list recorded submission outcomes (needs DATABASE_URL)
  watch        run monitors and the ops server until interrupted
`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := run(context.Background(), os.Args[1:], cfg, logger, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, cfg *appconfig.Config, logger *logging.Logger, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usageText)
		return errors.New("missing command")
	}

	rt, err := bootstrap.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "events":
		return runEvents(ctx, rt, rest, out)
	case "submit":
		return runSubmit(ctx, rt, rest, out)
	case "appointment":
		return runAppointment(ctx, rt, rest, out)
	case "login":
		return runLogin(ctx, rt, rest, out)
	case "usage":
		stats, err := rt.API.UsageStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	case "heartbeat":
		if err := rt.API.Heartbeat(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil
	case "audit":
		return runAudit(ctx, rt, rest, out)
	case "watch":
		return runWatch(rt)
	case "help", "-h", "--help":
		fmt.Fprint(out, usageText)
		return nil
	default:
		fmt.Fprint(out, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runEvents(ctx context.Context, rt *bootstrap.Runtime, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	var filter bookingapi.EventFilter
	fs.StringVar(&filter.EventID, "id", "", "event id")
	fs.StringVar(&filter.SubcalendarID, "calendar", "", "subcalendar id")
	fs.StringVar(&filter.StartDate, "start", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&filter.EndDate, "end", "", "end date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := rt.API.GetEvents(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(out, events)
}

func runSubmit(ctx context.Context, rt *bootstrap.Runtime, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	action := fs.String("action", "", "path to post the form to")
	formID := fs.String("form", "cliForm", "form id")
	multipart := fs.Bool("multipart", false, "send multipart/form-data instead of JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" {
		return errors.New("submit: -action is required")
	}
	fields, err := parseFields(fs.Args())
	if err != nil {
		return err
	}
	form := submission.NewForm(*formID, *action, fields)
	if *multipart {
		form.Encoding = submission.EncodingMultipart
	}
	return printResult(out, form, func() (*submission.Result, error) { return rt.API.Submit(ctx, form) })
}

func runAppointment(ctx context.Context, rt *bootstrap.Runtime, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("appointment", flag.ContinueOnError)
	var a appointments.Appointment
	fs.StringVar(&a.Title, "title", "", "title")
	fs.StringVar(&a.CalendarName, "calendar", "", "calendar name")
	fs.StringVar(&a.StartDate, "start-date", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&a.StartTime, "start-time", "", "start time (HH:MM)")
	fs.StringVar(&a.EndDate, "end-date", "", "end date (YYYY-MM-DD)")
	fs.StringVar(&a.EndTime, "end-time", "", "end time (HH:MM)")
	fs.StringVar(&a.Location, "location", "", "location")
	fs.StringVar(&a.Who, "who", "", "attendees")
	fs.StringVar(&a.Description, "description", "", "description")
	fs.BoolVar(&a.Recurring, "recurring", false, "repeat weekly")
	days := fs.String("days", "", "weekdays for recurring appointments, e.g. mon,wed,fri")
	fs.IntVar(&a.Weeks, "weeks", 4, "number of weeks to repeat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	selected, err := appointments.ParseWeekdays(*days)
	if err != nil {
		return err
	}
	a.Days = selected
	form := appointments.NewForm(a)
	return printResult(out, form, func() (*submission.Result, error) { return rt.API.CreateAppointment(ctx, form) })
}

func runLogin(ctx context.Context, rt *bootstrap.Runtime, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("BOOKING_PASSWORD"), "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	session, err := rt.API.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"subject":    session.Subject,
		"expires_at": session.ExpiresAt,
		"token_type": session.TokenType,
	})
}

func runAudit(ctx context.Context, rt *bootstrap.Runtime, args []string, out io.Writer) error {
	if rt.Audit == nil {
		return errors.New("audit: DATABASE_URL is not configured")
	}
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	var filter audit.Filter
	outcome := fs.String("outcome", "", "accepted, rejected, duplicate or invalid")
	fp := fs.String("fingerprint", "", "only this fingerprint")
	since := fs.Duration("since", 24*time.Hour, "how far back to look")
	fs.IntVar(&filter.Limit, "limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter.Outcome = audit.Outcome(*outcome)
	filter.Fingerprint = fingerprint.Fingerprint(*fp)
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	events, err := rt.Audit.Query(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(out, events)
}

func runWatch(rt *bootstrap.Runtime) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mons := bootstrap.BuildMonitors(rt)
	done := make(chan struct{})
	go func() {
		mons.Run(ctx)
		close(done)
	}()

	srv := &http.Server{
		Addr: rt.Config.MetricsAddr,
		Handler: router.New(&router.Config{
			Logger:         rt.Logger,
			MetricsHandler: promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}),
			Guard:          rt.Guard,
			Usage:          mons.Usage,
			Heartbeat:      mons.Heartbeat,
			OperatorSecret: rt.Config.OperatorSecret,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		rt.Logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.Logger.Error("ops server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	rt.Logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.Logger.Error("ops server forced to shutdown", "error", err)
	}
	<-done
	rt.Logger.Info("monitors stopped")
	return nil
}

func parseFields(pairs []string) (fingerprint.FormData, error) {
	fields := fingerprint.FormData{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}
		fields.Set(strings.TrimSpace(key), value)
	}
	return fields, nil
}

func printResult(out io.Writer, form *submission.Form, submit func() (*submission.Result, error)) error {
	res, err := submit()
	if err != nil {
		var rejected *submission.RejectedError
		if errors.As(err, &rejected) {
			_ = printJSON(out, map[string]any{"error": rejected.Error(), "field_errors": form.FieldErrors()})
		}
		return err
	}
	return printJSON(out, res)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
