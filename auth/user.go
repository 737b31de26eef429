package auth

const (
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
	RoleDriver = "driver"
)

type User struct {
	Id    uint64 `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
	Role  string `db:"role" json:"role"`
}
