package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/user"

	"github.com/alejandrodnm/polyrisk/internal/adapters/files"
	"github.com/alejandrodnm/polyrisk/internal/application/killswitch"
	"github.com/alejandrodnm/polyrisk/internal/domain"
)

func (a *app) runKillSwitch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("killswitch: missing action (status|history|arm|disarm|trigger|reset|check)")
	}
	action := args[0]

	fs := flag.NewFlagSet("killswitch "+action, flag.ContinueOnError)
	by := fs.String("by", defaultActor(), "operator recorded in the audit log")
	reason := fs.String("reason", "manual trigger", "trigger reason")
	level := fs.Int("level", int(domain.LevelManualPause), "trigger level 1-4")
	force := fs.Bool("force", false, "reset before the cooldown elapses")
	balance := fs.Float64("balance", math.NaN(), "current balance for check")
	balanceFile := fs.String("balance-file", "", "read the balance for check from this file")
	limit := fs.Int("limit", 20, "history entries to show (0 = all)")
	asJSON := fs.Bool("json", false, "print status as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	st, closeStores, err := a.openStores()
	if err != nil {
		return err
	}
	defer closeStores()
	ks, err := a.openKillSwitch(ctx, st)
	if err != nil {
		return err
	}

	switch action {
	case "status":
		return a.printStatus(ks, *asJSON)

	case "history":
		events, err := ks.History(ctx, *limit)
		if err != nil {
			return err
		}
		a.reporter.PrintKillSwitchHistory(events)
		return nil

	case "arm", "disarm":
		changed, err := ks.Arm(ctx, action == "arm", *by)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Printf("  kill switch not changed (phase %s)\n", ks.State().Phase())
		}
		return a.printStatus(ks, *asJSON)

	case "trigger":
		triggered, err := ks.Trigger(ctx, *reason, domain.TriggerLevel(*level), *by)
		if err != nil {
			return err
		}
		if !triggered {
			fmt.Println("  kill switch already triggered")
		}
		return a.printStatus(ks, *asJSON)

	case "reset":
		ok, err := ks.Reset(ctx, *by, *force)
		if err != nil {
			return err
		}
		if !ok {
			status := ks.Status()
			if status.Triggered {
				fmt.Printf("  reset refused: cooldown %.1fh left (use -force)\n", status.CooldownRemainingHours)
			} else {
				fmt.Println("  kill switch is not triggered")
			}
		}
		return a.printStatus(ks, *asJSON)

	case "check":
		bal := *balance
		if *balanceFile != "" {
			if bal, err = files.NewFileBalance(*balanceFile).GetBalance(ctx); err != nil {
				return err
			}
		}
		var triggered bool
		if math.IsNaN(bal) {
			triggered, err = ks.Check(ctx)
		} else {
			triggered, err = ks.CheckBalance(ctx, bal)
		}
		if err != nil {
			return err
		}
		if triggered {
			fmt.Println("  !! kill switch triggered by this check")
		}
		return a.printStatus(ks, *asJSON)

	default:
		return fmt.Errorf("killswitch: unknown action %q", action)
	}
}

func (a *app) printStatus(ks *killswitch.KillSwitch, asJSON bool) error {
	status := ks.Status()
	if !asJSON {
		a.reporter.PrintKillSwitchStatus(status)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
