package provision

// tableDDL pairs a table name with its creation statement
type tableDDL struct {
	name string
	ddl  string
}

// Table definitions, bit-exact to the original mtg schema. Order matters:
// usertags references both categories and cards, so they come first.
//
// Two gaps are inherited on purpose: categories.parent_id carries no foreign
// key, and usertags.tag_id is not a primary key. Consumers may depend on the
// loose behavior, so the schema reproduces it rather than fixing it.
var tables = []tableDDL{
	{
		name: "categories",
		ddl: `CREATE TABLE categories (
			id serial PRIMARY KEY,
			category text,
			parent_id int
		)`,
	},
	{
		name: "cards",
		ddl: `CREATE TABLE cards (
			id serial PRIMARY KEY,
			cardname text
		)`,
	},
	{
		name: "usertags",
		ddl: `CREATE TABLE usertags (
			tag_id serial,
			category_id int REFERENCES categories(id),
			card_id int REFERENCES cards(id)
		)`,
	},
}

// TableNames returns the provisioned table names in creation order
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}
