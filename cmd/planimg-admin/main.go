package main

// planimg-admin - operator tool for plans, users and tokens

import (
	"context"
	"fmt"
	"os"

	"github.com/KazanExpress/planimg/internal/app/planimg"
	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/KazanExpress/planimg/internal/pkg/logging"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/google/uuid"
	"github.com/namsral/flag"
	"github.com/rs/zerolog/log"
)

const usage = `usage: planimg-admin <command> [flags]

commands:
  seed-plans    -plans-path ensure-plans.yaml
  create-user   -username NAME -email EMAIL [-plan PLAN]
  assign-plan   -user NAME -plan PLAN (empty plan removes it)
  issue-token   -user NAME
  delete-image  -id IMAGE_ID
  show-plan     -name PLAN
`

type command struct {
	flags *flag.FlagSet
	run   func(appCtx *planimg.AppContext) error
}

func commands() map[string]*command {
	var cmds = make(map[string]*command)

	seed := flag.NewFlagSet("seed-plans", flag.ExitOnError)
	plansPath := seed.String("plans-path", "ensure-plans.yaml", "path to file containing YAML plans to ensure")
	cmds["seed-plans"] = &command{seed, func(appCtx *planimg.AppContext) error {
		list, err := storage.ReadPlanList(*plansPath)
		if err != nil {
			return err
		}
		return appCtx.DB.EnsurePlans(list.Plans)
	}}

	create := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := create.String("username", "", "unique user name")
	email := create.String("email", "", "email of the user")
	planName := create.String("plan", "", "name of plan to assign")
	cmds["create-user"] = &command{create, func(appCtx *planimg.AppContext) error {
		if *username == "" {
			return fmt.Errorf("-username is required")
		}
		user, err := appCtx.DB.CreateUser(*username, *email, *planName)
		if err != nil {
			return err
		}
		fmt.Println(user.ID)
		return nil
	}}

	assign := flag.NewFlagSet("assign-plan", flag.ExitOnError)
	assignUser := assign.String("user", "", "user name")
	assignPlan := assign.String("plan", "", "plan name")
	cmds["assign-plan"] = &command{assign, func(appCtx *planimg.AppContext) error {
		user, err := appCtx.DB.QueryUserByUsername(*assignUser)
		if err != nil {
			return err
		}
		return appCtx.DB.AssignPlan(user.ID, *assignPlan)
	}}

	issue := flag.NewFlagSet("issue-token", flag.ExitOnError)
	issueUser := issue.String("user", "", "user name")
	cmds["issue-token"] = &command{issue, func(appCtx *planimg.AppContext) error {
		user, err := appCtx.DB.QueryUserByUsername(*issueUser)
		if err != nil {
			return err
		}
		token, err := planimg.IssueToken(appCtx.Config.JWTSecret, user, appCtx.Config.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}}

	del := flag.NewFlagSet("delete-image", flag.ExitOnError)
	imageID := del.String("id", "", "id of original image")
	cmds["delete-image"] = &command{del, func(appCtx *planimg.AppContext) error {
		id, err := uuid.Parse(*imageID)
		if err != nil {
			return err
		}
		img, err := appCtx.DB.QueryImage(id)
		if err != nil {
			return err
		}
		return appCtx.ImageService.Delete(context.Background(), img.OwnerID, img.ID)
	}}

	show := flag.NewFlagSet("show-plan", flag.ExitOnError)
	showName := show.String("name", "", "plan name")
	cmds["show-plan"] = &command{show, func(appCtx *planimg.AppContext) error {
		plan, err := appCtx.DB.GetPlan(*showName)
		if err != nil {
			return err
		}
		fmt.Printf("%s (id %d)\n", plan.Name, plan.ID)
		for i, spec := range plan.Includes {
			fmt.Printf("  %d. %dx%d link=%t expiryLink=%t expiryLinkSeconds=%d\n",
				i+1, spec.Width, spec.Height, spec.Link, spec.ExpiryLink, spec.ExpiryLinkSeconds)
		}
		return nil
	}}

	return cmds
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, ok := commands()[os.Args[1]]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	envPath := cmd.flags.String("env", ".env", "path to file with environment variables")
	cmd.flags.Parse(os.Args[2:])

	cfg := config.InitFrom(*envPath)
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	appCtx, err := planimg.NewAppContext(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init app context")
	}
	defer appCtx.Close()

	if err = appCtx.DB.InitDB(); err != nil {
		log.Fatal().Err(err).Msg("failed to init db")
	}

	if err = cmd.run(appCtx); err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}
