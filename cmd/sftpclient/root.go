package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	sftpclient "github.com/shirohoo/sftp-client"
)

type app struct {
	configFile string
	fs         afero.Fs
	stdout     io.Writer
	stderr     io.Writer
	client     sftpclient.ClientInterface
	closeLog   func()
}

func newApp() *app {
	return &app{fs: afero.NewOsFs(), stdout: os.Stdout, stderr: os.Stderr}
}

// newRootCmd builds the command tree. The caller closes a once Execute returns.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sftpclient",
		Short:         "Transfer files to and from an SFTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.open()
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "settings file (default ./sftpclient.yaml)")

	root.AddCommand(
		newReadCmd(a),
		newLsCmd(a),
		newFetchCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newRmCmd(a),
	)
	return root
}

func (a *app) open() error {
	if a.client != nil {
		return nil
	}

	settings, err := a.loadSettings()
	if err != nil {
		return err
	}

	logger, err := sftpclient.NewLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	a.closeLog = func() { _ = logger.Sync() }

	config := settings.Config()
	config.Logger = logger

	client, err := sftpclient.NewClient(config, sftpclient.WithFs(a.fs))
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	a.client = client
	return nil
}

func (a *app) loadSettings() (*sftpclient.Settings, error) {
	if a.configFile != "" {
		return sftpclient.LoadSettingsFile(a.configFile)
	}
	return sftpclient.LoadSettings()
}

func (a *app) close() error {
	if a.closeLog != nil {
		defer a.closeLog()
	}
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
