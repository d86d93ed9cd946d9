// Package graph calls the Microsoft Graph API with an access token obtained
// from the auth package.
package graph
