// Package config handles loading and validating RouterWatch Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords, the JWT secret and the operator hash should be
//     supplied via environment variables or a 0600 config file
//   - Device credentials are stored in the clear here; decryption of an
//     enrolment vault is handled outside this service
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(len(cfg.Fleet.Devices))
package config
