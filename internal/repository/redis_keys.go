package repository

// Account, fingerprint and IP keys equal prefix + lock key, so watching the
// lock keys watches the records they guard.
const (
	KeyAccount      = "%saccount:%s"
	KeyFingerprint  = "%sfingerprint:%s"
	KeyIP           = "%sip:%s"
	KeyReferralCode = "%scode:%s"
	KeyReferral     = "%sreferral:%s"
	KeyAntiSybil    = "%santisybil:%s"
	KeyAccountIndex = "%saccounts"
	KeySequence     = "%sseq"

	DefaultRedisPrefix = "ledger:"
)
