package main

import (
	"fmt"

	"github.com/pkg/errors"

	echoapi "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core"
)

var errInvalidRole = errors.New("role must be student, teacher or admin")

// token prints a JWT accepted by the API & the relay, for service accounts and manual testing.
func (cli *commandLine) token(userID, username, email, role string) error {
	if !core.IsIdentifier(userID) {
		return errors.Errorf("invalid user id %q", userID)
	}
	switch role {
	case echoapi.RoleStudent, echoapi.RoleTeacher, echoapi.RoleAdmin:
	default:
		return errInvalidRole
	}
	if username == "" {
		username = userID
	}

	claims := echoapi.NewClaims(cli.conf, userID, username, email, role)
	token, err := echoapi.GenerateToken(cli.conf.SecretKey, claims)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}
