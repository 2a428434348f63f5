// zkfarmer maintains a farm of hosts through ZooKeeper: hosts join a
// farm and advertise their local configuration, consumers export the
// farm's membership to a local file or directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zkfarmer"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	flagFormat  string
	flagFilters string
	flagCommon  bool
	flagChanged string
	flagFields  []string
	flagMax     string
	flagWarn    string
)

func main() {
	root := &cobra.Command{
		Use:           "zkfarmer",
		Short:         "maintain a farm of hosts through ZooKeeper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("zkhost", "z", "localhost:2181", "ZooKeeper connection string")
	root.PersistentFlags().BoolP("verbose", "v", false, "show debug output")
	viper.BindPFlag("zkhost", root.PersistentFlags().Lookup("zkhost"))
	viper.BindEnv("zkhost", "ZKHOST")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(log.DebugLevel)
		}
	}

	join := &cobra.Command{
		Use:   "join <farm> <conf>",
		Short: "make this host a member of the farm",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := zkfarmer.NewConf(args[1], flagFormat)
			if err != nil {
				return err
			}
			return farmer().Join(args[0], conf, flagCommon)
		},
	}
	join.Flags().StringVar(&flagFormat, "format", "", "configuration format (json, yaml, php, dir)")
	join.Flags().BoolVar(&flagCommon, "common", false, "share a single persistent node between all members")

	export := &cobra.Command{
		Use:   "export <farm> <conf>",
		Short: "maintain a local view of the farm's membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := zkfarmer.NewConf(args[1], flagFormat)
			if err != nil {
				return err
			}
			var updated func()
			if flagChanged != "" {
				updated = func() {
					if err := exec.Command("/bin/sh", "-c", flagChanged).Run(); err != nil {
						log.WithError(err).Warnf("changed command failed: %s", flagChanged)
					}
				}
			}
			return farmer().Export(args[0], conf, flagFilters, updated)
		},
	}
	export.Flags().StringVar(&flagFormat, "format", "", "configuration format (json, yaml, php, dir)")
	export.Flags().StringVar(&flagFilters, "filters", "", "comma-separated member filter predicates")
	export.Flags().StringVar(&flagChanged, "changed-cmd", "", "command to run after each export")

	ls := &cobra.Command{
		Use:   "ls <farm>",
		Short: "list the farm's members",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			f := farmer()
			for _, name := range f.List(args[0]) {
				if len(flagFields) == 0 {
					fmt.Println(name)
					continue
				}
				member := strings.TrimRight(args[0], "/") + "/" + name
				pairs := make([]string, 0, len(flagFields))
				for _, field := range flagFields {
					pairs = append(pairs, field+"="+renderValue(f.Get(member, field)))
				}
				fmt.Printf("%-20s %s\n", name, strings.Join(pairs, " "))
			}
		},
	}
	ls.Flags().StringSliceVar(&flagFields, "fields", nil, "fields to show for each member")

	get := &cobra.Command{
		Use:   "get <node> [field]",
		Short: "print a node's configuration or one of its fields",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(renderValue(farmer().Get(args[0], args[1:]...)))
		},
	}

	set := &cobra.Command{
		Use:   "set <node> <field> <value>",
		Short: "set one field of a node's configuration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return farmer().Set(args[0], args[1], args[2])
		},
	}

	unset := &cobra.Command{
		Use:   "unset <node> <field>",
		Short: "remove one field from a node's configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return farmer().Unset(args[0], args[1])
		},
	}

	check := &cobra.Command{
		Use:   "check <farm>",
		Short: "report the farm's health, nagios style",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			status, message := farmer().Check(args[0], flagMax, flagWarn)
			fmt.Println(message)
			os.Exit(status)
		},
	}
	check.Flags().StringVar(&flagMax, "max-failed-node", "1", "critical threshold, count or percentage")
	check.Flags().StringVar(&flagWarn, "warn-failed-node", "", "warning threshold, count or percentage")

	root.AddCommand(join, export, ls, get, set, unset, check)

	if err := root.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func farmer() *zkfarmer.Farmer {
	conn := zkfarmer.NewConnection(viper.GetString("zkhost"))
	if err := conn.Connect(); err != nil {
		log.Fatalf("unable to connect to ZooKeeper: %s", err)
	}
	return zkfarmer.NewFarmer(conn)
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
