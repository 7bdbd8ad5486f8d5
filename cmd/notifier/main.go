// Command notifier publishes a notification broadcast job to the live
// servers over NATS, e.g.
//
//	notifier --type NEW_TOPIC --data '{"id":42,"title":"Tax reform"}'
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/config"
	"github.com/agoranews/agora-live/internal/logging"
	"github.com/agoranews/agora-live/internal/messaging"
	"github.com/agoranews/agora-live/internal/notify"
)

var (
	notificationType string
	rawData          string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifier",
		Short: "Publish a notification broadcast to the agora live servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.Flags().StringVar(&notificationType, "type", "", "Notification type (NEW_TOPIC, BREAKING_NEWS, EXCLUSIVE_NEWS, ADMIN_NOTICE, VOTE_REMINDER, TOPIC_RESULT)")
	rootCmd.Flags().StringVar(&rawData, "data", "{}", "Template data as a JSON object")
	rootCmd.Flags().String("nats-url", defaults.GetString("nats.url"), "NATS URL")
	rootCmd.Flags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	if err := viper.BindPFlag("nats.url", rootCmd.Flags().Lookup("nats-url")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level")); err != nil {
		panic(err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func publish() error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	job, err := buildJob(notificationType, rawData)
	if err != nil {
		return err
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = viper.GetString("nats.url")
	natsConfig.Name = "agora-notifier"
	natsConfig.MaxReconnects = 0
	client, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishNotification(job); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := client.Flush(5 * time.Second); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info("broadcast published", zap.String("type", job.Type), zap.String("subject", messaging.SubjectNotifyBroadcast))
	return nil
}

// buildJob parses and validates the job locally so a bad template fails
// here instead of in the server's queue.
func buildJob(notificationType, rawData string) (notify.Job, error) {
	notificationType = strings.TrimSpace(notificationType)
	if notificationType == "" {
		return notify.Job{}, errors.New("--type is required")
	}
	data := notify.Data{}
	if strings.TrimSpace(rawData) != "" {
		if err := json.Unmarshal([]byte(rawData), &data); err != nil {
			return notify.Job{}, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	if _, err := notify.Render(notificationType, data); err != nil {
		return notify.Job{}, err
	}
	return notify.Job{Type: notificationType, Data: data}, nil
}
