package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
)

const (
	statusCmdName = "status"
	timeFmt       = "2006-01-02T15:04:05"
)

type statusSubcommand struct {
	w io.Writer
}

func newStatusSubcommand(writer io.Writer) *statusSubcommand {
	return &statusSubcommand{w: writer}
}

func (cmd *statusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(statusCmdName, flag.ExitOnError)
}

// Exec prints the last recorded contact outcome for every node the status
// poller has seen.
func (cmd *statusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT node_name, healthy, diagnostic, last_contact_attempt_at, last_seen_active_at
		FROM node_status
		ORDER BY node_name`,
	)
	if err != nil {
		return fmt.Errorf("query node status: %v", err)
	}
	defer rows.Close()

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Node", "Healthy", "Diagnostic", "Last Contact", "Last Seen Active"})

	var printed int
	for rows.Next() {
		var (
			nodeName, diagnostic string
			healthy              bool
			lastContact          time.Time
			lastActive           sql.NullTime
		)
		if err := rows.Scan(&nodeName, &healthy, &diagnostic, &lastContact, &lastActive); err != nil {
			return fmt.Errorf("scan node status: %v", err)
		}

		healthyText := "yes"
		if !healthy {
			healthyText = "no"
		}

		lastActiveText := "never"
		if lastActive.Valid {
			lastActiveText = lastActive.Time.Format(timeFmt)
		}

		table.Append([]string{nodeName, healthyText, diagnostic, lastContact.Format(timeFmt), lastActiveText})
		printed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate node status: %v", err)
	}

	if printed == 0 {
		fmt.Fprintln(cmd.w, "no node status recorded yet")
		return nil
	}

	table.Render()
	return nil
}
