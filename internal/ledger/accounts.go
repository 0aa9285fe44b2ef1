package ledger

import "strings"

// Account identifiers are namespaced strings: <owner kind>:<owner id>:<purpose>.

func ProgramRevenue(programID string) string {
	return "program:" + programID + ":revenue"
}

func ProgramTreasury(programID string) string {
	return "program:" + programID + ":treasury"
}

func ProgramCommissionExpense(programID string) string {
	return "program:" + programID + ":commission_expense"
}

func AffiliateLiability(affiliateID string) string {
	return "affiliate:" + affiliateID + ":liability"
}

func isAffiliateLiability(account string) bool {
	return strings.HasPrefix(account, "affiliate:") && strings.HasSuffix(account, ":liability")
}
