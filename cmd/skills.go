package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/skills"
)

func skillsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the loaded Skill set",
	}
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List every skill visible to the Agent Loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, roots, err := bootstrap()
			if err != nil {
				return err
			}
			loader := skills.New(os.Getenv("OPENPOCKET_TEMPLATE_DIR"), "", roots.Workspace)
			if err := loader.Reload(); err != nil {
				return infraErr(err)
			}
			all := loader.List()
			if asJSON {
				out, err := marshalIndentOrInfra(all)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			for _, sk := range all {
				fmt.Printf("%-24s [%s] %s\n", sk.ID, sk.Source, sk.Description)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of a table")
	root.AddCommand(list)
	return root
}
