package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teleconsult/consult/internal/client"
	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
)

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Follow an appointment as one participant from the terminal",
		Long: `Runs a session controller against a server. SIGINT leaves the session,
SIGHUP reconnects to the live room with a fresh token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			appointmentID, _ := cmd.Flags().GetString("appointment")
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")
			token, _ := cmd.Flags().GetString("token")
			if appointmentID == "" || userID == "" {
				return fmt.Errorf("--appointment and --user are required")
			}
			if role != auth.RolePatient && role != auth.RoleClinician {
				return fmt.Errorf("--role must be %q or %q", auth.RolePatient, auth.RoleClinician)
			}

			v := viper.New()
			v.SetDefault("AUTH_ISSUER", "consult")
			v.AutomaticEnv()
			logger := newLogger(v.GetString("ENV"))

			if token == "" && v.GetString("AUTH_SIGNING_KEY") != "" {
				var err error
				token, err = auth.IssueToken(auth.JWTConfig{
					Issuer:     v.GetString("AUTH_ISSUER"),
					Audience:   v.GetString("AUTH_AUDIENCE"),
					SigningKey: []byte(v.GetString("AUTH_SIGNING_KEY")),
				}, userID, role, name, 2*time.Hour)
				if err != nil {
					return err
				}
			}

			api := client.NewHTTPClient(server, client.Credentials{
				Token:  token,
				UserID: userID,
				Role:   role,
				Name:   name,
			}, nil, logger)
			ctrl := client.New(api, &logNavigator{log: logger}, client.Config{
				AppointmentID: appointmentID,
				Role:          role,
			}, logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go relaySignals(ctx, ctrl, cancel)

			out, err := ctrl.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Str("outcome", string(out)).Msg("session controller finished")
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8000", "Server base URL")
	cmd.Flags().String("appointment", "", "Appointment id")
	cmd.Flags().String("user", "", "Participant user id")
	cmd.Flags().String("role", auth.RolePatient, "patient or clinician")
	cmd.Flags().String("name", "", "Display name in the video room")
	cmd.Flags().String("token", "", "Bearer token (minted from AUTH_SIGNING_KEY when empty)")
	return cmd
}

// relaySignals maps SIGINT/SIGTERM to Leave and SIGHUP to Reconnect. A
// second SIGINT cancels the run outright.
func relaySignals(ctx context.Context, ctrl *client.Controller, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	leaving := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch {
			case sig == syscall.SIGHUP:
				ctrl.Reconnect()
			case leaving:
				cancel()
				return
			default:
				leaving = true
				ctrl.Leave()
			}
		}
	}
}

// logNavigator renders each screen as a log line.
type logNavigator struct {
	log zerolog.Logger
}

func (n *logNavigator) Intake(view *consultation.View) {
	n.log.Warn().Str("appointment_id", view.ID.String()).Msg("pre-consultation intake is not complete; finish it before joining")
}

func (n *logNavigator) Waiting(view *consultation.View) {
	ev := n.log.Info().Str("appointment_id", view.ID.String())
	if view.ScheduledStart != nil {
		ev = ev.Time("scheduled_start", *view.ScheduledStart)
	}
	ev.Msg("in the waiting room")
}

func (n *logNavigator) Live(creds *consultation.JoinCredentials) {
	n.log.Info().
		Str("room", creds.RoomReference).
		Str("join_url", creds.JoinURL).
		Str("token_role", creds.Role).
		Time("expires_at", creds.ExpiresAt).
		Str("token", creds.Token).
		Msg("session is live")
}

func (n *logNavigator) RetryableError(err error, attempt int) {
	n.log.Warn().Err(err).Int("attempt", attempt).Msg("temporary failure, retrying")
}

func (n *logNavigator) PostSession(view *consultation.View) {
	ev := n.log.Info().Str("appointment_id", view.ID.String()).Str("status", string(view.Status))
	if view.CancellationReason != nil {
		ev = ev.Str("reason", *view.CancellationReason)
	}
	ev.Msg("session ended")
}
