package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
)

// ContactsCmd manages the contacts recipient groups resolve against
var ContactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage campaign contacts",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Insert or update contacts from a YAML file",
	Long: `Insert or update contacts from a YAML list:

  - address: "+6281200000001"
    email: budi@example.com
    name: Budi
    tags: [vip, jakarta]
    opted_in: true
    attributes:
      city: Jakarta

Contacts are keyed by address.`,
	Args: cobra.ExactArgs(1),
	RunE: runContactsImport,
}

func init() {
	ContactsCmd.AddCommand(contactsImportCmd)
}

type contactDoc struct {
	Address    string            `yaml:"address"`
	Email      string            `yaml:"email"`
	Name       string            `yaml:"name"`
	Tags       []string          `yaml:"tags"`
	Attributes map[string]string `yaml:"attributes"`
	OptedIn    bool              `yaml:"opted_in"`
}

func readContacts(path string) ([]campaign.Contact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var docs []contactDoc
	if err := yaml.Unmarshal(raw, &docs); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	contacts := make([]campaign.Contact, 0, len(docs))
	for _, d := range docs {
		contacts = append(contacts, campaign.Contact{
			Address:    d.Address,
			Email:      d.Email,
			Name:       d.Name,
			Tags:       d.Tags,
			Attributes: d.Attributes,
			OptedIn:    d.OptedIn,
		})
	}
	return contacts, nil
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	contacts, err := readContacts(args[0])
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := campaign.NewContactStore(database)
	imported := 0
	for i, c := range contacts {
		if err := store.Upsert(cmd.Context(), c); err != nil {
			pterm.Warning.Printfln("entry %d skipped: %v", i+1, err)
			continue
		}
		imported++
	}
	pterm.Success.Printfln("Imported %d of %d contact(s)", imported, len(contacts))
	return nil
}
