package gostratum

type StratumMethod string

const (
	StratumMethodLogin         StratumMethod = "login"
	StratumMethodJob           StratumMethod = "job"
	StratumMethodSubmit        StratumMethod = "submit"
	StratumMethodKeepAlive     StratumMethod = "keepalived"
	StratumMethodNotify        StratumMethod = "mining.notify"
	StratumMethodSetDifficulty StratumMethod = "mining.set_difficulty"
	StratumMethodSetExtranonce StratumMethod = "mining.set_extranonce"
	StratumMethodPing          StratumMethod = "mining.ping"
)

const (
	StatusOK         = "OK"
	StatusKeepAlived = "KEEPALIVED"
)
