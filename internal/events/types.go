package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceUpdate      Event = "price_update"
	EventBalanceUpdate    Event = "balance_update"
	EventOrderUpdate      Event = "order_update"
	EventPositionChange   Event = "position_change"
	EventSettingsUpdated  Event = "settings_updated"
	EventViperTradeUpdate Event = "viper_trade_update"
	EventViperStatus      Event = "viper_status"
)
