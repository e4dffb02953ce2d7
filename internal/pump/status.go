package pump

import "github.com/mmeshcher/fueling-system/internal/model"

// Status — классифицированное состояние колонки: тегированное объединение,
// закрытое над двумя семействами (post-pay и pre-auth).
type Status interface {
	isStatus()
}

// Free — колонка свободна.
type Free struct{}

// InUse — идёт заправка в рамках текущей сессии.
type InUse struct{}

// InTransaction — колонкой пользуется другой клиент.
type InTransaction struct{}

// Locked — колонка снова заблокирована после чужой заправки; поток
// перезапускается с обнаружения.
type Locked struct{}

// Pending — переходное состояние, ожидается следующий опрос.
type Pending struct{}

// ReadyToPay — заправка завершена, колонка ожидает оплату (post-pay).
type ReadyToPay struct {
	Snapshot model.PumpSnapshot
}

// Done — фоновая pre-auth транзакция завершена.
type Done struct {
	TransactionID string
}

// Canceled — pre-auth транзакция отменена; Successful сообщает, удалась ли отмена.
type Canceled struct {
	Successful bool
}

// OutOfOrder — колонка неисправна.
type OutOfOrder struct{}

func (Free) isStatus()          {}
func (InUse) isStatus()         {}
func (InTransaction) isStatus() {}
func (Locked) isStatus()        {}
func (Pending) isStatus()       {}
func (ReadyToPay) isStatus()    {}
func (Done) isStatus()          {}
func (Canceled) isStatus()      {}
func (OutOfOrder) isStatus()    {}

// Terminal сообщает, завершает ли статус цикл наблюдения за колонкой.
func Terminal(s Status) bool {
	switch s.(type) {
	case ReadyToPay, Locked, Done, Canceled, OutOfOrder:
		return true
	default:
		return false
	}
}
