package billing

const (
	PlanNone         = "none"
	PlanEarlyFounder = "early_founder"
	PlanCoreAgency   = "core_agency"
)

type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UnitAmount  int64  `json:"unit_amount"`
	ClientLimit int    `json:"client_limit"`
}

// Plans is the fixed price table, cheapest first. Amounts are in cents.
var Plans = []Plan{
	{ID: PlanEarlyFounder, Name: "Early Founder", UnitAmount: 4900, ClientLimit: 1},
	{ID: PlanCoreAgency, Name: "Core Agency", UnitAmount: 19900, ClientLimit: 5},
}

// PlanForAmount maps a subscription price to its plan. Unknown amounts map
// to PlanNone with no clients.
func PlanForAmount(amount int64) (string, int) {
	for _, p := range Plans {
		if p.UnitAmount == amount {
			return p.ID, p.ClientLimit
		}
	}
	return PlanNone, 0
}

func PlanByID(id string) (Plan, bool) {
	for _, p := range Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
