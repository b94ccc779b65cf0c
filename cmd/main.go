/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell"
	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/database"
	"github.com/inkwellhq/inkwell/internal/notification"
)

// Inkwell represents the CLI application, encapsulating the root Cobra command.
type Inkwell struct {
	cmd *cobra.Command
}

// inkwellInstance holds the service instance and its configuration, shared by
// all subcommands.
type inkwellInstance struct {
	inkwell *inkwell.Inkwell
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the service instance before
// any subcommand runs.
func preRun(app *inkwellInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("inkwell.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newInkwell, err := setupInkwell(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.inkwell = newInkwell
		app.cnf = cnf

		return nil
	}
}

// setupInkwell creates a new service instance wired to the configured
// datasource.
func setupInkwell(cfg *config.Configuration) (*inkwell.Inkwell, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newInkwell, err := inkwell.NewInkwell(db)
	if err != nil {
		return nil, fmt.Errorf("error creating inkwell: %v", err)
	}
	return newInkwell, nil
}

// NewCLI creates the command-line interface for the Inkwell application.
func NewCLI() *Inkwell {
	var configFile string
	i := &inkwellInstance{}

	var rootCmd = &cobra.Command{
		Use:   "inkwell",
		Short: "Resilient transaction layer for AI writing workflows",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./inkwell.json", "Configuration file for inkwell")

	rootCmd.PersistentPreRunE = preRun(i)

	rootCmd.AddCommand(serverCommands(i))
	rootCmd.AddCommand(workerCommands(i))
	rootCmd.AddCommand(migrateCommands(i))
	rootCmd.AddCommand(configCommands())

	return &Inkwell{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Inkwell) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
