package session

// AccountTypeIndividual is assumed whenever the server omits an account
// type from the identity.
const AccountTypeIndividual = "individual"

// State is the UI-facing view of the session, derived from the current
// identity and token holder. Consumers always read a consistent snapshot.
type State struct {
	IsAuthenticated bool
	IsLoading       bool
	Error           string
	AccountType     string
	OrganizationID  string
	IsOrgAdmin      bool
	Suspended       bool
}
