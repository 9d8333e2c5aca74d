package accounts

// SeedDemo registers the demo holder's two cards and their authorized users.
func SeedDemo(d *Directory, holderEmail string) error {
	cards := []NewCard{
		{ID: "1", Number: "4532015112831234", Type: "Visa Platinum", Expiry: "12/26", HolderEmail: holderEmail},
		{ID: "2", Number: "5425233430105678", Type: "Mastercard Gold", Expiry: "08/25", HolderEmail: holderEmail},
	}
	for _, c := range cards {
		if _, err := d.AddCard(c); err != nil {
			return err
		}
	}

	users := []NewUser{
		{ID: "auth1", Name: "Sarah Johnson", Email: "sarah.j@example.com", Phone: "+1-555-0124", CardAccess: []string{"1", "2"}},
		{ID: "auth2", Name: "Mike Davis", Email: "mike.d@example.com", Phone: "+1-555-0125", CardAccess: []string{"1"}},
	}
	for _, u := range users {
		if _, err := d.AddUser(u); err != nil {
			return err
		}
	}
	return nil
}
