package orders

// Role identifies who is acting on an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the identity performing an order operation. The system actor
// (auto-confirmation sweep) carries no user ID; everyone else does.
type Actor struct {
	Role   Role
	UserID string
}

// BuyerActor returns an actor acting as the given buyer.
func BuyerActor(userID string) Actor { return Actor{Role: RoleBuyer, UserID: userID} }

// SellerActor returns an actor acting as the given seller.
func SellerActor(userID string) Actor { return Actor{Role: RoleSeller, UserID: userID} }

// AdminActor returns an actor with administrative privileges.
func AdminActor(userID string) Actor { return Actor{Role: RoleAdmin, UserID: userID} }

// SystemActor is the scheduler identity used for auto-confirmation.
func SystemActor() Actor { return Actor{Role: RoleSystem} }

// MayConfirm reports whether the actor can confirm delivery of o.
// Buyers confirm their own orders; the system confirms on their behalf
// once the window expires.
func (a Actor) MayConfirm(o *Order) bool {
	switch a.Role {
	case RoleSystem:
		return true
	case RoleBuyer:
		return a.UserID == o.BuyerID
	}
	return false
}

// MayCancel reports whether the actor can cancel o. Either party can back
// out before payment; admins can too.
func (a Actor) MayCancel(o *Order) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleBuyer:
		return a.UserID == o.BuyerID
	case RoleSeller:
		return a.UserID == o.SellerID
	}
	return false
}

// MayDispute reports whether the actor can dispute o. Only the buyer (or
// an admin on their behalf) can contest a delivery.
func (a Actor) MayDispute(o *Order) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleBuyer:
		return a.UserID == o.BuyerID
	}
	return false
}
