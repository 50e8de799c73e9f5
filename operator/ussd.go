package operator

import (
	"fmt"
	"strings"
)

// BalanceCommand returns the USSD string querying the airtime balance.
func (o *Operator) BalanceCommand() (string, error) {
	if o.USSDBalance == "" {
		return "", fmt.Errorf("operator %s has no %q template", o.Short, FieldUSSDBalance)
	}
	return o.USSDBalance, nil
}

// PurchaseCommand fills the bundle purchase template.
func (o *Operator) PurchaseCommand(destination, amount, pin string) (string, error) {
	if o.USSDPurchase == "" {
		return "", fmt.Errorf("operator %s has no %q template", o.Short, FieldUSSDPurchase)
	}
	return fill(o.USSDPurchase, map[string]string{
		"destination": destination,
		"amount":      strings.TrimSpace(amount),
		"pin":         pin,
	}), nil
}

// RechargeCommand fills the recharge template with a voucher code.
func (o *Operator) RechargeCommand(code, pin string) (string, error) {
	if o.USSDRecharge == "" {
		return "", fmt.Errorf("operator %s has no %q template", o.Short, FieldUSSDRecharge)
	}
	return fill(o.USSDRecharge, map[string]string{
		"code": strings.TrimSpace(code),
		"pin":  pin,
	}), nil
}

// fill substitutes {name} and the older %(name)s placeholder forms.
// Names are matched case-insensitively in the older form (%(PIN)s).
func fill(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*6)
	for name, value := range values {
		upper := strings.ToUpper(name)
		pairs = append(pairs,
			"{"+name+"}", value,
			"%("+name+")s", value,
			"%("+upper+")s", value,
		)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
