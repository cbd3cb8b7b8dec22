package checkout

// State - состояние кассовой сессии.
type State string

const (
	StateBuilding   State = "BUILDING"
	StateReserving  State = "RESERVING"
	StateCommitting State = "COMMITTING"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateFailed     State = "FAILED"
)

// CanTransition сообщает, допустим ли переход из s в to.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateBuilding:
		return to == StateReserving || to == StateCancelled
	case StateReserving:
		// возврат в Building - неудачное резервирование, корзина снова редактируется
		return to == StateBuilding || to == StateCommitting || to == StateCancelled
	case StateCommitting:
		return to == StateCompleted || to == StateFailed
	case StateCompleted, StateCancelled, StateFailed:
		return to == StateBuilding
	}
	return false
}

// StateEvent описывает смену состояния сессии.
type StateEvent struct {
	From          State  `json:"from"`
	To            State  `json:"to"`
	TransactionID string `json:"transaction_id,omitempty"`
}
