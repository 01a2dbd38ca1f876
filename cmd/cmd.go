// submodule cmd contains command definitions
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/formatter"
)

func formatFlag() cli.Flag {
	names := make([]string, len(formatter.Formats))
	for i, f := range formatter.Formats {
		names[i] = string(f)
	}
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   fmt.Sprintf("Output format (%s)", strings.Join(names, ", ")),
		Value:   string(formatter.FormatTable),
	}
}

func identifierFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "entity-id", Usage: "Existing artist ID"},
		&cli.StringFlag{Name: "catalog-id", Aliases: []string{"spotify-id"}, Usage: "Spotify artist ID"},
		&cli.StringFlag{Name: "ticketing-id", Aliases: []string{"ticketmaster-id"}, Usage: "Ticketmaster attraction ID"},
		&cli.StringFlag{Name: "other-id", Aliases: []string{"mbid"}, Usage: "Secondary ID (e.g. MusicBrainz)"},
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Artist name"},
		&cli.BoolFlag{Name: "light", Usage: "Skip the catalog sync (events and defaults only)"},
		&cli.BoolFlag{Name: "no-catalog", Usage: "Skip the catalog sync"},
		&cli.BoolFlag{Name: "no-events", Usage: "Skip the events sync"},
		&cli.BoolFlag{Name: "no-defaults", Usage: "Skip creating default records"},
	}
}

// importCommand handles single artist imports
func importCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "import",
		Aliases: []string{"imp"},
		Usage:   "Import and sync artists",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Queue an import and follow it until it finishes",
				Flags: append(identifierFlags(),
					formatFlag(),
					&cli.BoolFlag{
						Name:    "watch",
						Aliases: []string{"w"},
						Usage:   "Follow progress in the interactive watcher",
					},
				),
				Action: r.ImportStart,
			},
			{
				Name:   "run",
				Usage:  "Run an import in the foreground and print its report",
				Flags:  append(identifierFlags(), formatFlag()),
				Action: r.ImportRun,
			},
			{
				Name:  "status",
				Usage: "Show the status of an import, or all active imports",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "key"},
				},
				Flags: []cli.Flag{
					formatFlag(),
					&cli.BoolFlag{
						Name:    "report",
						Aliases: []string{"r"},
						Usage:   "Include the latest run report",
					},
				},
				Action: r.ImportStatus,
			},
			{
				Name:    "watch",
				Aliases: []string{"ui"},
				Usage:   "Watch an import (or all active imports) in the terminal UI",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "key"},
				},
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Poll interval",
						Value: 500 * time.Millisecond,
					},
				},
				Action: r.ImportWatch,
			},
		},
	}
}

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Base URL of a running 'artistsync serve' (default: from config)",
	}
}

// jobsCommand controls the scheduler of a running server
func jobsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Scheduled sync jobs",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List scheduled jobs",
				Flags:  []cli.Flag{serverFlag(), formatFlag()},
				Action: r.JobsList,
			},
			{
				Name:      "enable",
				Usage:     "Enable a job",
				Arguments: []cli.Argument{&cli.StringArg{Name: "name"}},
				Flags:     []cli.Flag{serverFlag(), formatFlag()},
				Action:    r.JobsEnable,
			},
			{
				Name:      "disable",
				Usage:     "Disable a job",
				Arguments: []cli.Argument{&cli.StringArg{Name: "name"}},
				Flags:     []cli.Flag{serverFlag(), formatFlag()},
				Action:    r.JobsDisable,
			},
			{
				Name:      "run",
				Usage:     "Run a job now and wait for it to finish",
				Arguments: []cli.Argument{&cli.StringArg{Name: "name"}},
				Flags: []cli.Flag{
					serverFlag(),
					formatFlag(),
					&cli.BoolFlag{
						Name:  "local",
						Usage: "Run the job in this process instead of on the server",
					},
				},
				Action: r.JobsRun,
			},
			{
				Name:   "health",
				Usage:  "Show scheduler health",
				Flags:  []cli.Flag{serverFlag(), formatFlag()},
				Action: r.JobsHealth,
			},
		},
	}
}

// statusCommand handles status store maintenance
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Import status store maintenance",
		Commands: []*cli.Command{
			{
				Name:  "cleanup",
				Usage: "Remove finished statuses past retention and expired aliases",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "retention",
						Usage: "Keep finished statuses for this long (default: importer.retention)",
					},
					&cli.BoolFlag{
						Name:  "abandoned",
						Usage: "Also remove runs that stopped updating past importer.stale_after",
					},
				},
				Action: r.StatusCleanup,
			},
		},
	}
}

// serveCommand runs the HTTP API, the import workers and the scheduler
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the import API and the job scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default: server.host:server.port)",
			},
			&cli.BoolFlag{
				Name:  "no-scheduler",
				Usage: "Serve imports without running scheduled jobs",
			},
		},
		Action: r.Serve,
	}
}

// setupCommand handles setup operations for configuration and the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Create the config file and initialize the database",
		Action: r.Setup,
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show applied database migrations",
				Action: r.SetupStatus,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recent database migration",
				Action: r.SetupRollback,
			},
		},
	}
}
