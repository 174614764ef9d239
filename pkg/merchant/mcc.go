package merchant

// Gambling categories are refused for every user regardless of policy.
var blockedMCCs = map[string]bool{
	"7800": true, // government lotteries
	"7801": true, // internet gambling
	"7802": true, // horse and dog racing
	"7995": true, // betting, casino gaming chips
}

// High-risk categories: unregistered merchants in these codes are denied
// instead of being let through at medium risk.
var highRiskMCCs = map[string]bool{
	"5933": true, // pawn shops
	"5944": true, // jewelry stores
	"5993": true, // cigar stores
	"6010": true, // manual cash disbursements
	"6011": true, // automated cash disbursements
	"6012": true, // merchandise and services, financial institutions
	"7273": true, // dating and escort services
	"7995": true,
	"9402": true, // postal services
	"9405": true, // intra-government purchases
}

func IsBlockedMCC(code string) bool { return blockedMCCs[code] }

func IsHighRiskMCC(code string) bool { return highRiskMCCs[code] }
