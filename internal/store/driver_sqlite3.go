package store

// The cgo driver is selectable with storage.driver: sqlite3. It shares the
// schema and queries with the default pure-Go driver.
import _ "github.com/mattn/go-sqlite3"

// CgoDriver is the driver name registered by github.com/mattn/go-sqlite3.
const CgoDriver = "sqlite3"
